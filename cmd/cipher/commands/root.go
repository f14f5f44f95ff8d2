package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cipher",
	Short: "Cipher - time-boxed collaborative puzzle service",
	Long: `Cipher runs a rolling set of timed puzzles. Participants submit guesses,
rally behind the guesses they believe in, and the most rallied guess wins
when the clock runs out. Solved puzzles leave breadcrumbs that unlock
narrative threads.

Every command reads cipher.yml (--config) and the CIPHER_* environment
variables to find its Redis instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to cipher.yml (defaults plus CIPHER_* environment when omitted)")
}
