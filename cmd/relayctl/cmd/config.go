package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"jobrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the merged configuration",
	Long: `Print the configuration a backend would see: the built-in defaults, then the
deployment file, then --set overrides.

Example:
  relayctl config --prefix jobrelay.monitor
  relayctl config --set jobrelay.monitor.polling.interval=1s -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")

		cfg := sess.factory.Config(sess.overrides)
		if prefix != "" {
			filtered := make(map[string]string)
			for k, v := range cfg.Map() {
				if strings.HasPrefix(k, prefix) {
					filtered[k] = v
				}
			}
			cfg = config.New(filtered)
		}

		sess.printer.config(cfg)
		return nil
	},
}

func init() {
	configCmd.Flags().String("prefix", "", "only print keys with this prefix")
	rootCmd.AddCommand(configCmd)
}
