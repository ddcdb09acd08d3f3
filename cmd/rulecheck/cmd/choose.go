package cmd

import (
	"context"
	"fmt"
	"time"

	"inbox_worker/config"
	"inbox_worker/core/agent/llm"
	"inbox_worker/core/domain"
	mail "inbox_worker/core/service/email"
	"inbox_worker/core/service/rule"

	"github.com/spf13/cobra"
)

var chooseCmd = &cobra.Command{
	Use:   "choose",
	Short: "Run rule selection for an email fixture",
	Long: `Runs the static pass over the rules and, unless --offline is set, asks the
configured model to arbitrate the rules the static pass could not decide.`,
	RunE: runChoose,
}

func init() {
	rootCmd.AddCommand(chooseCmd)
	chooseCmd.Flags().String("email", "", "JSON file with the parsed email")
	chooseCmd.Flags().Bool("offline", false, "only run the static pass")
	chooseCmd.Flags().String("account-email", "user@example.com", "address of the account owner")
	chooseCmd.Flags().String("about", "", "what the account owner wrote about themselves")
	chooseCmd.Flags().Duration("timeout", 2*time.Minute, "overall timeout")
}

type staticMatchOutput struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

type chooseOutput struct {
	Email         *domain.EmailForLLM    `json:"email"`
	StaticMatches []staticMatchOutput    `json:"static_matches"`
	Potential     []string               `json:"potential"`
	Result        *rule.ChooseRuleResult `json:"result,omitempty"`
}

func runChoose(cmd *cobra.Command, args []string) error {
	emailFile, _ := cmd.Flags().GetString("email")
	offline, _ := cmd.Flags().GetBool("offline")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	rules, err := loadRules(rulesFile)
	if err != nil {
		return err
	}
	msg, err := loadMessage(emailFile)
	if err != nil {
		return err
	}

	email := mail.GetEmailForLLM(msg, mail.DefaultNormalizeOptions())
	static := rule.FindPotentialMatchingRules(rules, email)

	output := chooseOutput{
		Email:         email,
		StaticMatches: make([]staticMatchOutput, 0, len(static.Matches)),
		Potential:     make([]string, 0, len(static.Potential)),
	}
	for _, m := range static.Matches {
		output.StaticMatches = append(output.StaticMatches, staticMatchOutput{Rule: m.Rule.Name, Reason: m.Reason})
	}
	for _, r := range static.Potential {
		output.Potential = append(output.Potential, r.Name)
	}

	if !offline {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY required, or use --offline")
		}

		accountEmail, _ := cmd.Flags().GetString("account-email")
		about, _ := cmd.Flags().GetString("about")

		chooser := rule.NewChooseRuleService(newLLMClient(cfg)).WithEmailMaxLength(cfg.EmailMaxLength)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		account := &domain.EmailAccount{ID: "rulecheck", Email: accountEmail, About: about}
		result, err := rule.SelectRules(ctx, chooser, rules, email, account)
		if err != nil {
			return err
		}
		output.Result = result
	}

	return writeJSON(cmd.OutOrStdout(), output)
}

func newLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout(),
		MaxRetries:  cfg.LLMMaxRetries,
	})
}
