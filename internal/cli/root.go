// Package cli implements the voxrelay command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxrelay/internal/version"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "voxrelay.yaml"

type rootOptions struct {
	configPath string
}

// NewRootCmd returns the voxrelay command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "voxrelay",
		Short: "Relay a Discord voice channel to other voice channels",
		Long: "voxrelay listens to commanders in a headquarters voice channel and relays\n" +
			"their voice to one, several or all destination channels, with live\n" +
			"routing, whispers back to headquarters and briefings.",
		SilenceUsage: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", DefaultConfigPath, "path to the YAML configuration file")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newCheckConfigCmd(opts))
	rootCmd.AddCommand(newWhisperCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
