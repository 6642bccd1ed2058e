package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		Long:  "Load and validate the configuration without connecting to Discord.\nEvery problem found is listed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStartupSummary(out, cfg)
			fmt.Fprintf(out, "%s: configuration OK\n", opts.configPath)
			return nil
		},
	}
}
