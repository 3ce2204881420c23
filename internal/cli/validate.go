package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/service"
)

type validateFlags struct {
	dates          []string
	start          string
	end            string
	stuckIntervals int
	excludeZero    bool
	types          []string
}

func (f *validateFlags) request(cmd *cobra.Command) (service.ValidationRequest, error) {
	var req service.ValidationRequest
	for _, s := range f.dates {
		d, err := domain.ParseDate(s)
		if err != nil {
			return req, err
		}
		req.Dates = append(req.Dates, d)
	}
	if f.start != "" {
		d, err := domain.ParseDate(f.start)
		if err != nil {
			return req, err
		}
		req.Start = &d
	}
	if f.end != "" {
		d, err := domain.ParseDate(f.end)
		if err != nil {
			return req, err
		}
		req.End = &d
	}
	if cmd.Flags().Changed("stuck-intervals") {
		n := f.stuckIntervals
		req.StuckIntervals = &n
	}
	if cmd.Flags().Changed("exclude-zero") {
		b := f.excludeZero
		req.ExcludeZero = &b
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

func newValidateCmd(opts *options) *cobra.Command {
	f := &validateFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Scan archived partitions for data quality issues and write the report",
		Example: `  archiver validate
  archiver validate --start 2024-01-01 --end 2024-01-31 --stuck-intervals 6
  archiver validate --date 2024-02-01 --type met --exclude-zero`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return invalid(err)
			}

			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Validator().Validate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printReport(opts, report)
		},
	}
	cmd.Flags().StringSliceVarP(&f.dates, "date", "d", nil, "validate single days (YYYY-MM-DD); repeatable")
	cmd.Flags().StringVar(&f.start, "start", "", "first day of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "last day of the window, inclusive (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.stuckIntervals, "stuck-intervals", 0, "minimum run of identical values reported as stuck")
	cmd.Flags().BoolVar(&f.excludeZero, "exclude-zero", false, "ignore runs of zeros in stuck value detection")
	cmd.Flags().StringSliceVarP(&f.types, "type", "t", nil, "data types to scan; default from configuration")
	return cmd
}

func printReport(opts *options, r *domain.ValidationReport) error {
	if opts.jsonOut {
		return printJSON(opts.out, r)
	}

	rows := make([][]string, 0, len(r.Details))
	for _, fr := range r.Details {
		counts := make(map[domain.IssueType]int)
		for _, is := range fr.Issues {
			counts[is.Type]++
		}
		kinds := make([]string, 0, len(counts))
		for k, n := range counts {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		summary := strings.Join(kinds, " ")
		if summary == "" {
			summary = "-"
		}
		rows = append(rows, []string{fr.File, fmt.Sprint(len(fr.Issues)), summary, fr.Error})
	}
	renderTable(opts.out, []string{"File", "Issues", "By type", "Error"}, rows)

	s := r.Summary
	renderTable(opts.out, []string{"Metric", "Count"}, [][]string{
		{"files scanned", fmt.Sprint(s.TotalFilesScanned)},
		{"files with issues", fmt.Sprint(s.FilesWithIssues)},
		{"total issues", fmt.Sprint(s.TotalIssues)},
		{"stuck values", fmt.Sprint(s.StuckValuesCount)},
		{"out of range", fmt.Sprint(s.OutOfRangeCount)},
		{"completeness", fmt.Sprint(s.CompletenessIssuesCount)},
		{"system", fmt.Sprint(s.SystemIssuesCount)},
		{"empty rows", fmt.Sprint(s.EmptyRowsCount)},
		{"sensor gaps", fmt.Sprint(s.SensorGapsCount)},
	})
	return nil
}
