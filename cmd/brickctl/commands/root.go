// Package commands implements the brickctl CLI for preparing bricked datasets.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigavox/internal/logger"
)

var (
	logLevel string
	log      = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "brickctl",
	Short: "Prepare bricked volume datasets",
	Long: `brickctl converts raw volumes into the bricked format the Gigavox
server streams from, and inspects existing manifests.

Use "brickctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logger.New(logLevel, "console")
		if err != nil {
			return err
		}
		log = l
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(inspectCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
