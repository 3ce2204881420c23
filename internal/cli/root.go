// Package cli is the archiver command line front end.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/timmy/scadarchive/internal/app"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/service"
)

type ExitCode int

const (
	exitCodeSuccess      ExitCode = service.ExitSuccess
	exitCodePartial      ExitCode = service.ExitPartial
	exitCodeFailure      ExitCode = service.ExitTotalFailure
	exitCodeInvalidInput ExitCode = service.ExitInvalidArgs
)

// exitError carries the process exit code out of a RunE.
type exitError struct {
	code ExitCode
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code ExitCode, err error) error {
	return &exitError{code: code, err: err}
}

// invalid marks err as a usage error.
func invalid(err error) error {
	return withCode(exitCodeInvalidInput, err)
}

// codeFor maps a RunE error onto an exit code. Errors without an explicit
// code are invalid arguments when they wrap ErrInvalidArgument, failures
// otherwise.
func codeFor(err error) ExitCode {
	if err == nil {
		return exitCodeSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrValidationConfig) {
		return exitCodeInvalidInput
	}
	return exitCodeFailure
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalid(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
	}
	return nil
}

type options struct {
	configPath string
	verbose    bool
	jsonOut    bool
	out        io.Writer
	errOut     io.Writer
}

// Run executes the archiver CLI with os.Args.
func Run() ExitCode {
	return Execute(os.Args[1:], os.Stdout, os.Stderr)
}

// Execute runs the CLI with explicit arguments and writers.
func Execute(args []string, stdout, stderr io.Writer) ExitCode {
	opts := &options{out: stdout, errOut: stderr}
	rootCmd := newRootCmd(opts)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return exitCodeSuccess
	}
	code := codeFor(err)
	var ee *exitError
	if !errors.As(err, &ee) || ee.err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Reconcile SCADA tables into the monthly archive and validate its integrity.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalid(err)
	})

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newReconcileCmd(opts),
		newValidateCmd(opts),
		newRulesCmd(opts),
		newServeCmd(opts),
	)
	return rootCmd
}

// load reads configuration and builds the application.
func (o *options) load(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, withCode(exitCodeFailure, err)
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	log := app.NewLogger(cfg.Log, o.errOut)
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize")
		return nil, withCode(exitCodeFailure, err)
	}
	return a, nil
}

func (o *options) log() *logger.Logger {
	return logger.GetDefault().Component("cli")
}
