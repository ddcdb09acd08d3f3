package cmd

import (
	"context"
	"fmt"
	"strings"

	"inbox_worker/config"
	"inbox_worker/core/domain"
	"inbox_worker/core/service/rule"

	"github.com/spf13/cobra"
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Render the correction prompt for a misclassified email",
	RunE:  runFix,
}

func init() {
	rootCmd.AddCommand(fixCmd)
	fixCmd.Flags().String("email", "", "JSON file with the parsed email")
	fixCmd.Flags().String("applied", "", "name of the rule that was applied (empty: none)")
	fixCmd.Flags().String("reason", "", "reason given for the applied rule")
	fixCmd.Flags().String("expected", "", "rule that should have applied; \"new\" for a new rule, empty for none")
	fixCmd.Flags().Bool("suggest", false, "ask the model for a suggested fix")
}

func runFix(cmd *cobra.Command, args []string) error {
	emailFile, _ := cmd.Flags().GetString("email")
	appliedName, _ := cmd.Flags().GetString("applied")
	reason, _ := cmd.Flags().GetString("reason")
	expected, _ := cmd.Flags().GetString("expected")
	suggest, _ := cmd.Flags().GetBool("suggest")

	msg, err := loadMessage(emailFile)
	if err != nil {
		return err
	}

	var rules []*domain.Rule
	if rulesFile != "" {
		if rules, err = loadRules(rulesFile); err != nil {
			return err
		}
	}

	req := rule.FixRequest{Message: msg, Reason: reason, ExpectedRuleName: expected}
	if strings.EqualFold(expected, "new") {
		req.ExpectedRuleName = rule.NewRuleID
	}
	if appliedName != "" {
		req.AppliedRule = findRule(rules, appliedName)
		if req.AppliedRule == nil {
			req.AppliedRule = &domain.Rule{Name: appliedName}
		}
	}

	w := cmd.OutOrStdout()
	if !suggest {
		_, err := fmt.Fprintln(w, rule.BuildFixPrompt(req))
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	svc := rule.NewFixRuleService(newLLMClient(cfg), staticRules(rules), nil)

	suggestion, err := svc.SuggestFix(context.Background(), &domain.EmailAccount{ID: "rulecheck"}, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, suggestion)
	return err
}

// staticRules serves fixture rules to services that expect a repository.
// Every fixture rule counts as enabled.
type staticRules []*domain.Rule

func (s staticRules) ListEnabled(_ context.Context, _ string) ([]*domain.Rule, error) {
	return s, nil
}

func (s staticRules) GetByID(_ context.Context, _, id string) (*domain.Rule, error) {
	for _, r := range s {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule %s not found", id)
}

func (s staticRules) GetByName(_ context.Context, _, name string) (*domain.Rule, error) {
	if r := findRule(s, name); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("rule %s not found", name)
}
