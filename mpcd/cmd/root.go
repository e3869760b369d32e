// Package cmd provides the command-line interface for mpcd.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mpcd",
	Short: "mpcd runs model-predictive control loops under a safety supervisor",
	Long: `mpcd loads a versioned controller record, binds the loop to its plant,
and runs it under an independently scheduled safety supervisor. It can
also exercise a record against the built-in plant simulator, validate
record files offline, and query the monitor of a running daemon.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It only needs to be called once, by main.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
