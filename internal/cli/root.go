// Package cli wires the command line interface around the capture engine.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/conf"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/version"
)

// NewRootCmd builds the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "looprec",
		Short: "Rolling-window audio recorder",
		Long: "looprec captures audio in fixed-length segments and continuously merges\n" +
			"them into a single rolling file bounded to the configured window, so the\n" +
			"final output always holds the most recent audio.",
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(NewRecordCmd(&configPath))
	rootCmd.AddCommand(NewDevicesCmd(&configPath))

	return rootCmd
}

// loadConfig loads the configuration file when one was given, otherwise the
// defaults.
func loadConfig(path string) (*conf.Config, error) {
	if path == "" {
		return conf.Default(), nil
	}
	return conf.Load(path)
}
