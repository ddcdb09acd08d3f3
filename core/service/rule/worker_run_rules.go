package rule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	mail "inbox_worker/core/service/email"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"
	"inbox_worker/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const maxParallelActions = 4

// RuleChooser is the arbitration step RunRules delegates AI decisions to.
type RuleChooser interface {
	ChooseRule(ctx context.Context, in ChooseRuleInput) (*ChooseRuleResult, error)
}

// =============================================================================
// Run Rules Service
// =============================================================================

// RunRulesDeps are the collaborators of RunRulesService. Patterns, Actions
// and Producer are optional.
type RunRulesDeps struct {
	Messages out.MessageProvider
	Rules    out.RuleRepository
	Executed out.ExecutedRuleRepository
	Patterns out.LearnedPatternStore
	Actions  out.ActionExecutor
	Producer out.MessageProducer
	Chooser  RuleChooser

	Normalize mail.NormalizeOptions
}

// RunRulesService runs an account's rules on one message: static pass,
// arbitration, actions of the primary rule, executed-rule record and a
// rules.applied event.
type RunRulesService struct {
	deps RunRulesDeps
	log  *logger.Logger
}

// NewRunRulesService creates the rule-execution pipeline.
func NewRunRulesService(deps RunRulesDeps) *RunRulesService {
	if deps.Normalize.MaxLength <= 0 {
		deps.Normalize = mail.DefaultNormalizeOptions()
	}
	return &RunRulesService{deps: deps, log: logger.Scoped("run-rules")}
}

// RunRulesInput identifies the message to process.
type RunRulesInput struct {
	EmailAccount *domain.EmailAccount
	MessageID    string
	// IsTest previews the decision: nothing is recorded, executed or published.
	IsTest bool
}

// RunRulesResult is the outcome of one run.
type RunRulesResult struct {
	// AlreadyExecuted is set when the message had a record; nothing else ran.
	AlreadyExecuted bool
	Status          domain.ExecutedRuleStatus
	Selection       *ChooseRuleResult
	Actions         []*out.ActionJob
	Record          *domain.ExecutedRule
}

// RunRules processes one message. When selection fails nothing is recorded
// and no action runs, so a redelivered job starts from scratch.
func (s *RunRulesService) RunRules(ctx context.Context, in RunRulesInput) (*RunRulesResult, error) {
	if in.EmailAccount == nil {
		return nil, apperr.MissingField("email_account")
	}
	if in.MessageID == "" {
		return nil, apperr.MissingField("message_id")
	}
	defer metrics.Since("rules.run", time.Now())

	account := in.EmailAccount
	log := s.log.WithFields(map[string]any{"account": account.Email, "message_id": in.MessageID})

	if !in.IsTest {
		exists, err := s.deps.Executed.Exists(ctx, account.ID, in.MessageID)
		if err != nil {
			return nil, fmt.Errorf("check executed rule: %w", err)
		}
		if exists {
			log.Debug("rules already executed, skipping")
			return &RunRulesResult{AlreadyExecuted: true}, nil
		}
	}

	msg, err := s.deps.Messages.GetMessage(ctx, account.ID, in.MessageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	rules, err := s.deps.Rules.ListEnabled(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	s.attachLearnedPatterns(ctx, log, account.ID, rules)

	email := mail.GetEmailForLLM(msg, s.deps.Normalize)

	selectStart := time.Now()
	selection, err := s.selectRules(ctx, rules, email, account)
	metrics.Since("rules.select", selectStart)
	if err != nil {
		return nil, err
	}
	if err := selection.Validate(rules); err != nil {
		return nil, err
	}

	result := &RunRulesResult{Selection: selection, Status: domain.ExecutedRuleSkipped}
	primary := selection.PrimaryRule()
	if primary != nil {
		result.Actions = buildActionJobs(account.ID, msg, primary)
		result.Status = domain.ExecutedRuleApplied
		if !primary.Automate {
			result.Status = domain.ExecutedRulePending
		}
	}
	result.Record = newExecutedRecord(account.ID, msg, selection, result.Status)

	if in.IsTest {
		return result, nil
	}

	if err := s.deps.Executed.Save(ctx, result.Record); err != nil {
		if errors.Is(err, out.ErrAlreadyExecuted) {
			log.Debug("rules executed concurrently, skipping")
			return &RunRulesResult{AlreadyExecuted: true}, nil
		}
		return nil, fmt.Errorf("save executed rule: %w", err)
	}

	if result.Status == domain.ExecutedRuleApplied {
		if err := s.executeActions(ctx, result.Actions); err != nil {
			log.WithError(err).Error("action failed for rule %s", primary.Name)
			result.Status = domain.ExecutedRuleError
			result.Record.Status = domain.ExecutedRuleError
			if err := s.deps.Executed.UpdateStatus(ctx, result.Record.ID, domain.ExecutedRuleError); err != nil {
				log.WithError(err).Warn("failed to mark executed rule as failed")
			}
		}
	}

	if primary != nil {
		s.publishApplied(ctx, log, account, msg, result)
	}

	log.Info("rules run: status=%s rules=%v", result.Status, selection.RuleNames())
	return result, nil
}

// selectRules decides statically when it can and asks the chooser otherwise.
func (s *RunRulesService) selectRules(ctx context.Context, rules []*domain.Rule, email *domain.EmailForLLM, account *domain.EmailAccount) (*ChooseRuleResult, error) {
	return SelectRules(ctx, s.deps.Chooser, rules, email, account)
}

// SelectRules runs the static pass and hands the undecided rules to chooser.
// Static matches win without a backend call; the first one is primary.
func SelectRules(ctx context.Context, chooser RuleChooser, rules []*domain.Rule, email *domain.EmailForLLM, account *domain.EmailAccount) (*ChooseRuleResult, error) {
	static := FindPotentialMatchingRules(rules, email)

	if len(static.Matches) > 0 {
		matches := make([]RuleMatch, 0, len(static.Matches))
		for i, m := range static.Matches {
			matches = append(matches, RuleMatch{Rule: m.Rule, IsPrimary: i == 0})
		}
		return &ChooseRuleResult{Rules: matches, Reason: static.Matches[0].Reason}, nil
	}

	if len(static.Potential) == 0 {
		return emptyResult(), nil
	}

	return chooser.ChooseRule(ctx, ChooseRuleInput{
		Rules:        static.Potential,
		Email:        email,
		EmailAccount: account,
	})
}

// attachLearnedPatterns fills each rule's group from the pattern store. A
// store failure only disables pattern matching for this run.
func (s *RunRulesService) attachLearnedPatterns(ctx context.Context, log *logger.Logger, accountID string, rules []*domain.Rule) {
	if s.deps.Patterns == nil || len(rules) == 0 {
		return
	}

	patterns, err := s.deps.Patterns.PatternsByRule(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("failed to load learned patterns")
		return
	}

	for _, r := range rules {
		items := patterns[r.ID]
		if len(items) == 0 {
			continue
		}
		if r.Group == nil {
			r.Group = &domain.RuleGroup{ID: r.GroupID, Name: r.Name}
		}
		r.Group.Items = append(r.Group.Items, items...)
	}
}

func (s *RunRulesService) executeActions(ctx context.Context, jobs []*out.ActionJob) error {
	if s.deps.Actions == nil || len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelActions)
	for _, job := range jobs {
		g.Go(func() error {
			if err := s.deps.Actions.Execute(gctx, job); err != nil {
				return fmt.Errorf("%s: %w", job.Type, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *RunRulesService) publishApplied(ctx context.Context, log *logger.Logger, account *domain.EmailAccount, msg *domain.ParsedMessage, result *RunRulesResult) {
	if s.deps.Producer == nil {
		return
	}

	event := &domain.RulesAppliedEvent{
		EmailAccountID: account.ID,
		AccountEmail:   account.Email,
		MessageID:      msg.ID,
		ThreadID:       msg.ThreadID,
		From:           msg.Headers.From,
		Subject:        msg.Headers.Subject,
		PrimaryRule:    result.Selection.PrimaryRule().Name,
		MatchedRules:   result.Selection.RuleNames(),
		Reason:         result.Selection.Reason,
		Actions:        result.Record.Actions,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.deps.Producer.PublishRulesApplied(ctx, event); err != nil {
		log.WithError(err).Warn("failed to publish rules applied event")
	}
}

// =============================================================================
// Builders
// =============================================================================

func buildActionJobs(accountID string, msg *domain.ParsedMessage, r *domain.Rule) []*out.ActionJob {
	jobs := make([]*out.ActionJob, 0, len(r.Actions))
	now := time.Now().UTC()

	for _, a := range r.Actions {
		job := &out.ActionJob{
			ID:             uuid.NewString(),
			EmailAccountID: accountID,
			MessageID:      msg.ID,
			ThreadID:       msg.ThreadID,
			RuleID:         r.ID,
			Type:           a.Type,
			Label:          a.Label,
			Subject:        a.Subject,
			Content:        a.Content,
			To:             a.To,
			Cc:             a.Cc,
			Bcc:            a.Bcc,
			URL:            a.URL,
			FolderName:     a.FolderName,
			CreatedAt:      now,
		}
		if a.DelayInMinutes != nil {
			job.DelayInMinutes = *a.DelayInMinutes
		}
		jobs = append(jobs, job)
	}

	return jobs
}

func newExecutedRecord(accountID string, msg *domain.ParsedMessage, selection *ChooseRuleResult, status domain.ExecutedRuleStatus) *domain.ExecutedRule {
	record := &domain.ExecutedRule{
		ID:             uuid.NewString(),
		EmailAccountID: accountID,
		MessageID:      msg.ID,
		ThreadID:       msg.ThreadID,
		Status:         status,
		Reason:         selection.Reason,
		CreatedAt:      time.Now().UTC(),
	}

	primary := selection.PrimaryRule()
	if primary == nil {
		return record
	}

	record.RuleID = primary.ID
	record.RuleName = primary.Name
	record.Automated = primary.Automate
	for _, r := range selection.SecondaryRules() {
		record.MatchedRuleIDs = append(record.MatchedRuleIDs, r.ID)
	}
	for _, a := range primary.Actions {
		record.Actions = append(record.Actions, a.Type)
	}

	return record
}
