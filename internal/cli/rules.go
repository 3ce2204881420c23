package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newRulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the effective sensor ranges and detector defaults",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rules, err := a.Validator().GetValidationRules()
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(opts.out, rules)
			}

			sensors := make([]string, 0, len(rules.Ranges))
			for s := range rules.Ranges {
				sensors = append(sensors, s)
			}
			sort.Strings(sensors)
			rows := make([][]string, 0, len(sensors))
			for _, s := range sensors {
				r := rules.Ranges[s]
				rows = append(rows, []string{s, fmt.Sprint(r[0]), fmt.Sprint(r[1])})
			}
			renderTable(opts.out, []string{"Sensor", "Min", "Max"}, rows)
			fmt.Fprintf(opts.out, "stuck_intervals=%d exclude_zero=%t\n",
				rules.Defaults.StuckIntervals, rules.Defaults.ExcludeZero)
			return nil
		},
	}
}
