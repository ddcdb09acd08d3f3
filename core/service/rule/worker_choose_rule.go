// Package rule selects and executes automation rules for incoming email.
package rule

import (
	"context"
	"errors"
	"strings"
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	mail "inbox_worker/core/service/email"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"
)

const chooseRuleUsageLabel = "Choose rule"

// =============================================================================
// Choose Rule Service
// =============================================================================

// ChooseRuleInput is one arbitration request.
type ChooseRuleInput struct {
	Rules        []*domain.Rule
	Email        *domain.EmailForLLM
	EmailAccount *domain.EmailAccount
}

// ChooseRuleService asks the reasoning backend which rules match an email
// and enforces the result invariants on whatever it answers. It holds no
// per-call state and is safe for concurrent use.
type ChooseRuleService struct {
	llm       out.StructuredLLM
	maxLength int
	log       *logger.Logger
}

// NewChooseRuleService creates the arbitration engine.
func NewChooseRuleService(llm out.StructuredLLM) *ChooseRuleService {
	return &ChooseRuleService{
		llm:       llm,
		maxLength: mail.DefaultMaxLength,
		log:       logger.Scoped("choose-rule"),
	}
}

// WithEmailMaxLength bounds the email body rendered into the prompt.
func (s *ChooseRuleService) WithEmailMaxLength(n int) *ChooseRuleService {
	if n > 0 {
		s.maxLength = n
	}
	return s
}

// WithLogger replaces the engine's logger.
func (s *ChooseRuleService) WithLogger(l *logger.Logger) *ChooseRuleService {
	if l != nil {
		s.log = l
	}
	return s
}

// ChooseRule selects zero or more matching rules, exactly one of them
// primary, with a reason. Rules without conditions are skipped; when none
// remain the backend is not called. Backend failures surface as
// BACKEND_UNAVAILABLE and malformed answers as SCHEMA_VIOLATION; no
// fallback result is ever synthesized.
func (s *ChooseRuleService) ChooseRule(ctx context.Context, in ChooseRuleInput) (*ChooseRuleResult, error) {
	log := s.log
	if in.EmailAccount != nil {
		log = log.WithField("account", in.EmailAccount.Email)
	}

	rules := s.usableRules(log, in.Rules)
	if len(rules) == 0 {
		return emptyResult(), nil
	}
	if in.Email == nil {
		return nil, apperr.MissingField("email")
	}

	req := out.ObjectRequest{
		System:     buildSystemPrompt(in.EmailAccount),
		Prompt:     buildUserPrompt(rules, in.Email, s.maxLength),
		Schema:     chooseRuleSchema,
		SchemaName: chooseRuleSchemaName,
		UsageLabel: chooseRuleUsageLabel,
	}
	if acct := in.EmailAccount; acct != nil {
		req.UserEmail = acct.Email
		req.UserAI = out.UserAI{Provider: acct.AIProvider, Model: acct.AIModel, APIKey: acct.AIAPIKey}
	}

	start := time.Now()
	resp, err := s.llm.GenerateObject(ctx, req)
	if err != nil {
		return nil, backendError(ctx, err)
	}

	output, err := parseChooseRuleOutput(resp.Object)
	if err != nil {
		log.WithError(err).Warn("rejected backend output")
		return nil, err
	}

	result, report, err := NormalizeSelections(rules, output.selections(), output.reason())
	if err != nil {
		log.WithError(err).Warn("rejected backend output")
		return nil, err
	}
	s.logAnomalies(log, report)

	log.WithDuration(time.Since(start)).Debug("chose %d of %d rules (primary: %s)",
		len(result.Rules), len(rules), primaryName(result))

	return result, nil
}

// usableRules drops rules that cannot be described to the backend. Only the
// first rule per id is kept.
func (s *ChooseRuleService) usableRules(log *logger.Logger, rules []*domain.Rule) []*domain.Rule {
	usable := make([]*domain.Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))

	for _, r := range rules {
		var invalid *apperr.AppError
		switch {
		case r == nil:
			continue
		case r.ID == "":
			invalid = apperr.InvalidRule(r.Name, "missing id")
		case len(domain.GetConditions(r)) == 0:
			invalid = apperr.InvalidRule(r.ID, "rule has no AI or static conditions")
		case seen[r.ID]:
			invalid = apperr.InvalidRule(r.ID, "duplicate rule id")
		}
		if invalid != nil {
			log.WithField("rule", r.Name).Warn("skipping rule: %s", invalid.Message)
			continue
		}

		seen[r.ID] = true
		usable = append(usable, r)
	}

	return usable
}

func (s *ChooseRuleService) logAnomalies(log *logger.Logger, report NormalizeReport) {
	if len(report.UnknownIDs) > 0 {
		log.WithField("rule_ids", report.UnknownIDs).Warn("backend returned unknown rule ids")
	}
	if len(report.DuplicateIDs) > 0 {
		log.WithField("rule_ids", report.DuplicateIDs).Warn("backend returned duplicate rule ids")
	}
	if len(report.DemotedIDs) > 0 {
		log.WithField("rule_ids", report.DemotedIDs).Warn("backend marked several primary rules, keeping the first")
	}
	if report.PromotedID != "" {
		log.WithField("rule_id", report.PromotedID).Warn("backend marked no primary rule, promoting the first")
	}
}

// backendError wraps a reasoning backend failure. Schema violations raised
// while extracting the object keep their code; everything else is
// BACKEND_UNAVAILABLE, with the caller's cancellation still visible to errors.Is.
func backendError(ctx context.Context, err error) error {
	if apperr.IsCode(err, apperr.CodeSchemaViolation) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	return apperr.BackendUnavailable("reasoning backend", err)
}

func primaryName(r *ChooseRuleResult) string {
	if p := r.PrimaryRule(); p != nil {
		return p.Name
	}
	return "none"
}

// =============================================================================
// Prompt
// =============================================================================

func buildSystemPrompt(acct *domain.EmailAccount) string {
	var sb strings.Builder

	sb.WriteString(`You are an AI assistant that helps people manage their emails.
You are given a list of automation rules and an email. Decide which rules apply to the email.

<instructions>
1. Select every rule whose conditions are satisfied by the email.
2. Among the selected rules, mark exactly one as primary: the most specific or most directly applicable rule.
3. If no rule matches, return an empty ruleSelections list. Never force a match.
4. A rule meant to catch emails that fit no other category only applies when no other rule matches.
5. Always give a short reason explaining why the primary rule was chosen, or why no rule applies.
6. Only use rule ids that appear in the <rules> list.
</instructions>`)

	if acct != nil && (strings.TrimSpace(acct.About) != "" || acct.Email != "") {
		sb.WriteString("\n\n<user_info>")
		if about := strings.TrimSpace(acct.About); about != "" {
			sb.WriteString("\n<about>" + about + "</about>")
		}
		if acct.Email != "" {
			sb.WriteString("\n<email>" + acct.Email + "</email>")
		}
		sb.WriteString("\n</user_info>")
	}

	return sb.String()
}

func buildUserPrompt(rules []*domain.Rule, email *domain.EmailForLLM, maxLength int) string {
	var sb strings.Builder

	sb.WriteString("<rules>\n")
	for _, r := range rules {
		sb.WriteString("<rule>\n")
		sb.WriteString("<id>" + r.ID + "</id>\n")
		sb.WriteString("<name>" + r.Name + "</name>\n")
		sb.WriteString("<conditions>" + domain.ConditionsToString(r) + "</conditions>\n")
		sb.WriteString("</rule>\n")
	}
	sb.WriteString("</rules>\n\n")

	sb.WriteString("<email>\n")
	sb.WriteString(mail.StringifyEmail(email, maxLength))
	sb.WriteString("\n</email>\n\n")

	sb.WriteString("Select the rules that match this email.")

	return sb.String()
}
