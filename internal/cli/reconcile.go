package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/service"
)

type reconcileFlags struct {
	dates []string
	mode  string
	types []string
}

func (f *reconcileFlags) request() (service.RunRequest, error) {
	var req service.RunRequest
	if len(f.dates) == 0 {
		return req, fmt.Errorf("%w: at least one --date is required", domain.ErrInvalidArgument)
	}
	for _, s := range f.dates {
		d, err := domain.ParseDate(s)
		if err != nil {
			return req, err
		}
		req.Dates = append(req.Dates, d)
	}
	if f.mode != "" {
		m, err := service.ParseMode(f.mode)
		if err != nil {
			return req, err
		}
		req.Mode = m
	}
	for _, s := range f.types {
		dt, err := domain.ParseDataType(s)
		if err != nil {
			return req, err
		}
		req.Types = append(req.Types, dt)
	}
	return req, nil
}

func newReconcileCmd(opts *options) *cobra.Command {
	f := &reconcileFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the seven-day window ending on each date into the archive",
		Example: `  archiver reconcile --date 2024-02-01
  archiver reconcile --date 2024-02-01 --date 2024-02-08 --mode force_overwrite --type met,tur`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return invalid(err)
			}

			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.Orchestrator()
			if err != nil {
				return withCode(exitCodeFailure, err)
			}

			stop := abortOnSignal(orch, opts.log())
			defer stop()

			result, err := orch.Run(context.WithoutCancel(cmd.Context()), req)
			if err != nil {
				return err
			}
			if err := printRun(opts, result); err != nil {
				return withCode(exitCodeFailure, err)
			}
			if code := ExitCode(result.ExitCode()); code != exitCodeSuccess {
				return withCode(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&f.dates, "date", "d", nil, "end date of a window (YYYY-MM-DD); repeatable")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "check, append, force_overwrite, process_existing or process_existing_except_alarms")
	cmd.Flags().StringSliceVarP(&f.types, "type", "t", nil, "data types to process (met,tur,grd,cnt,din,sum); default all")
	return cmd
}

// abortOnSignal turns the first SIGINT or SIGTERM into an abort of the
// active run, letting units in flight finish.
func abortOnSignal(orch *service.Orchestrator, log *logger.Logger) func() {
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			id, ok := orch.ActiveRun()
			if !ok {
				return
			}
			log.WithField("signal", s.String()).Warn("Aborting run, waiting for units in flight")
			if err := orch.Abort(id); err != nil {
				log.WithError(err).Warn("Abort failed")
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func printRun(opts *options, r *service.RunResult) error {
	if opts.jsonOut {
		return printJSON(opts.out, r)
	}
	rows := make([][]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		row := []string{string(s.DataType), s.Period.String(), string(s.State), "", "", "", "", ""}
		if o := s.Outcome; o != nil {
			row[3] = o.Action
			row[4] = fmt.Sprint(o.Inserted)
			row[5] = fmt.Sprint(o.Updated)
			row[6] = fmt.Sprint(o.Deleted)
		}
		row[7] = s.Error
		rows = append(rows, row)
	}
	renderTable(opts.out, []string{"Type", "Period", "State", "Action", "Inserted", "Updated", "Deleted", "Error"}, rows)

	fmt.Fprintf(opts.out, "\nRun %s (%s): %s in %s\n", r.RunID, r.Mode, r.Status,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Message != "" {
		fmt.Fprintln(opts.out, r.Message)
	}
	return nil
}
