package out

import (
	"context"
	"errors"

	"inbox_worker/core/domain"
)

// ErrAlreadyExecuted is returned by ExecutedRuleRepository.Save when the
// message already has a record.
var ErrAlreadyExecuted = errors.New("rules already executed for message")

// RuleRepository reads the rules configured for an account.
type RuleRepository interface {
	// ListEnabled returns enabled rules with their actions, ordered by position.
	ListEnabled(ctx context.Context, emailAccountID string) ([]*domain.Rule, error)
	GetByID(ctx context.Context, emailAccountID, ruleID string) (*domain.Rule, error)
	GetByName(ctx context.Context, emailAccountID, name string) (*domain.Rule, error)
}

// EmailAccountRepository loads accounts and their AI settings.
type EmailAccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.EmailAccount, error)
}

// ExecutedRuleRepository stores the outcome of rule runs.
type ExecutedRuleRepository interface {
	Exists(ctx context.Context, emailAccountID, messageID string) (bool, error)
	Save(ctx context.Context, record *domain.ExecutedRule) error
	UpdateStatus(ctx context.Context, id string, status domain.ExecutedRuleStatus) error
	GetByMessage(ctx context.Context, emailAccountID, messageID string) (*domain.ExecutedRule, error)
}

// LearnedPatternStore keeps sender/subject patterns learned for rules.
type LearnedPatternStore interface {
	AddPattern(ctx context.Context, pattern *domain.LearnedPattern) error
	// PatternsByRule returns the account's patterns keyed by rule id.
	PatternsByRule(ctx context.Context, emailAccountID string) (map[string][]domain.RuleGroupItem, error)
}

// MessageProvider fetches a parsed message for an account.
type MessageProvider interface {
	GetMessage(ctx context.Context, emailAccountID, messageID string) (*domain.ParsedMessage, error)
}

// ActionExecutor carries out one action of the primary rule.
type ActionExecutor interface {
	Execute(ctx context.Context, job *ActionJob) error
}
