package rule

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	emailsvc "inbox_worker/core/service/email"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"
)

// NewRuleID as ExpectedRuleName asks for a new rule instead of an existing one.
const NewRuleID = "__NEW_RULE__"

const (
	fixContentLength  = 500
	fixRuleUsageLabel = "Fix rule"
)

// FixRequest describes a wrong classification reported by the user.
type FixRequest struct {
	Message *domain.ParsedMessage
	// AppliedRule is nil when no rule was applied.
	AppliedRule *domain.Rule
	Reason      string
	// ExpectedRuleName is the rule that should have applied, NewRuleID,
	// or empty for "no rule".
	ExpectedRuleName string
}

// FixRequestFromResult builds a FixRequest from a rule run.
func FixRequestFromResult(msg *domain.ParsedMessage, result *ChooseRuleResult, expectedRuleName string) FixRequest {
	req := FixRequest{Message: msg, ExpectedRuleName: expectedRuleName}
	if result != nil {
		req.AppliedRule = result.PrimaryRule()
		req.Reason = result.Reason
	}
	return req
}

// BuildFixPrompt renders the correction request sent to the rules assistant.
func BuildFixPrompt(req FixRequest) string {
	var from, subject, content string
	if m := req.Message; m != nil {
		from = m.Headers.From
		subject = m.Headers.Subject
		content = m.Snippet
		if content == "" {
			content = m.TextPlain
		}
	}

	applied := "No rule"
	if req.AppliedRule != nil && req.AppliedRule.Name != "" {
		applied = req.AppliedRule.Name
	}
	reason := req.Reason
	if reason == "" {
		reason = "-"
	}

	var expected string
	switch req.ExpectedRuleName {
	case NewRuleID:
		expected = "I'd like to create a new rule to handle this type of email."
	case "":
		expected = "Instead, no rule should have been applied."
	default:
		expected = fmt.Sprintf("The rule that should have been applied was: %q", req.ExpectedRuleName)
	}

	prompt := fmt.Sprintf(`You applied the wrong rule to this email.
Fix our rules so this type of email is handled correctly in the future.

Email details:
*From*: %s
*Subject*: %s
*Content*: %s

Current rule applied: %s

Reason the rule was chosen:
%s

%s`, from, subject, emailsvc.Truncate(content, fixContentLength), applied, reason, expected)

	return strings.TrimSpace(prompt)
}

// =============================================================================
// Fix Rule Service
// =============================================================================

// FixRuleService helps users correct misclassified emails.
type FixRuleService struct {
	llm      out.TextLLM
	rules    out.RuleRepository
	patterns out.LearnedPatternStore
	log      *logger.Logger
}

func NewFixRuleService(llm out.TextLLM, rules out.RuleRepository, patterns out.LearnedPatternStore) *FixRuleService {
	return &FixRuleService{
		llm:      llm,
		rules:    rules,
		patterns: patterns,
		log:      logger.Scoped("fix-rule"),
	}
}

// SuggestFix asks the model how the account's rules should change. The call
// runs on the account's own model settings when it has them.
func (s *FixRuleService) SuggestFix(ctx context.Context, account *domain.EmailAccount, req FixRequest) (string, error) {
	if s.llm == nil {
		return "", apperr.ConfigError("no language model configured")
	}
	if account == nil || account.ID == "" {
		return "", apperr.MissingField("email_account")
	}

	rules, err := s.rules.ListEnabled(ctx, account.ID)
	if err != nil {
		return "", fmt.Errorf("list rules: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("You help users maintain the rules that automate their inbox.\n")
	sb.WriteString("Suggest concrete edits to the rules below: changed instructions, static conditions, or a new rule.\n\n<rules>\n")
	for _, r := range rules {
		fmt.Fprintf(&sb, "<rule><name>%s</name><conditions>%s</conditions></rule>\n", r.Name, domain.ConditionsToString(r))
	}
	sb.WriteString("</rules>")

	suggestion, err := s.llm.Complete(ctx, out.TextRequest{
		System:     sb.String(),
		Prompt:     BuildFixPrompt(req),
		UsageLabel: fixRuleUsageLabel,
		UserEmail:  account.Email,
		UserAI:     out.UserAI{Provider: account.AIProvider, Model: account.AIModel, APIKey: account.AIAPIKey},
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeSchemaViolation) {
			return "", err
		}
		return "", apperr.BackendUnavailable("reasoning backend", err)
	}

	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		return "", apperr.SchemaViolation("completion", "response is empty")
	}
	return suggestion, nil
}

// LearnSender records that mail from sender belongs to ruleID, so the
// static pass matches it without asking the model.
func (s *FixRuleService) LearnSender(ctx context.Context, accountID, ruleID, sender string) error {
	if s.patterns == nil {
		return apperr.ConfigError("no pattern store configured")
	}

	address := senderAddress(sender)
	if address == "" {
		return apperr.InvalidInput("sender", "no email address")
	}

	r, err := s.rules.GetByID(ctx, accountID, ruleID)
	if err != nil {
		return err
	}

	pattern := &domain.LearnedPattern{
		EmailAccountID: accountID,
		RuleID:         r.ID,
		Type:           domain.GroupItemFrom,
		Value:          address,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.patterns.AddPattern(ctx, pattern); err != nil {
		return fmt.Errorf("add learned pattern: %w", err)
	}

	s.log.WithFields(map[string]any{"rule": r.Name, "sender": address}).Info("learned sender")
	return nil
}

// senderAddress extracts the bare address from a From header.
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	if strings.Contains(from, "@") && !strings.ContainsAny(from, " <>") {
		return strings.ToLower(from)
	}
	return ""
}
