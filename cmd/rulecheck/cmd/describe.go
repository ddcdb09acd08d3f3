package cmd

import (
	"fmt"

	"inbox_worker/core/domain"

	"github.com/spf13/cobra"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print each rule's conditions in plain text",
	RunE:  runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)
}

func runDescribe(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(rulesFile)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, r := range rules {
		fmt.Fprintf(w, "%s (%s)\n", r.Name, domain.ConditionTypesToString(r))
		fmt.Fprintf(w, "  %s\n", domain.ConditionsToString(r))
	}
	return nil
}
