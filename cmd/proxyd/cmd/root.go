package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "proxyd",
	Short:        "Proxy host daemon with a two-tier segmented TTL cache",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
