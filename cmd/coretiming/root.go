package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coretiming",
	Short: "coretiming runs and inspects deterministic virtual-time machines.",
	Long: `coretiming runs a machine whose execution core is paced by a ` +
		`virtual-time event scheduler. It can record fired events, serve a ` +
		`monitoring page, and read back recordings and save-states.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
