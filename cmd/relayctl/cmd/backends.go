package cmd

import (
	"github.com/spf13/cobra"

	"jobrelay/internal/config"
	"jobrelay/pkg/api"
)

var backendsCmd = &cobra.Command{
	Use:   "backends [name]",
	Short: "Explain backend selection for a logical name",
	Long: `Evaluate the conditions of every candidate backend for a logical name without
constructing anything. Without a name the configured default is used.

For each candidate the first failing condition is shown; the first candidate
whose conditions all hold is the one submit would use.

Example:
  relayctl backends
  relayctl backends adapter --set jobrelay.spi.adapter.internal.spi.types="docker;process"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		reports, err := sess.factory.Explain(name, sess.overrides)
		if err != nil {
			return err
		}
		cfg := sess.factory.Config(sess.overrides)

		out := make([]api.BackendReport, 0, len(reports))
		selected := false
		for _, r := range reports {
			impl, _ := cfg.Lookup(config.TypeMapKey(r.ID))
			report := api.BackendReport{
				ID:             r.ID,
				Implementation: impl,
				Eligible:       r.Err == nil && r.Result.Passed,
				Conditions:     make([]string, 0, len(r.Conditions)),
			}
			for _, c := range r.Conditions {
				report.Conditions = append(report.Conditions, c.String())
			}
			if r.Err != nil {
				report.Error = r.Err.Error()
			}
			if r.Result.Failed != nil {
				report.FailedCondition = r.Result.Failed.String()
			}
			if report.Eligible && !selected {
				report.Selected = true
				selected = true
			}
			out = append(out, report)
		}

		sess.printer.reports(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
