// Package cmd implements rulecheck, an operator tool that evaluates rule
// sets against email fixtures and renders rule conditions.
package cmd

import (
	"os"

	"inbox_worker/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	rulesFile string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "rulecheck",
	Short:         "Evaluate inbox rules against email fixtures",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logger.Init(logger.Config{
			Level:   logger.ParseLevel(logLevel),
			Output:  os.Stderr,
			Service: "rulecheck",
			Pretty:  true,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rulesFile, "rules", "", "JSON file with the account's rules")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
}

func Execute() error {
	return rootCmd.Execute()
}
