package domain

import "time"

// ExecutedRuleStatus is the outcome of running rules on one message.
type ExecutedRuleStatus string

const (
	ExecutedRuleApplied ExecutedRuleStatus = "APPLIED"
	ExecutedRulePending ExecutedRuleStatus = "PENDING"
	ExecutedRuleSkipped ExecutedRuleStatus = "SKIPPED"
	ExecutedRuleError   ExecutedRuleStatus = "ERROR"
)

// ExecutedRule records what happened to a message. There is at most one
// record per (account, message).
type ExecutedRule struct {
	ID             string             `json:"id"`
	EmailAccountID string             `json:"email_account_id"`
	MessageID      string             `json:"message_id"`
	ThreadID       string             `json:"thread_id"`
	RuleID         string             `json:"rule_id,omitempty"`
	RuleName       string             `json:"rule_name,omitempty"`
	Status         ExecutedRuleStatus `json:"status"`
	Reason         string             `json:"reason"`
	Automated      bool               `json:"automated"`
	MatchedRuleIDs []string           `json:"matched_rule_ids,omitempty"`
	Actions        []ActionType       `json:"actions,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// RulesAppliedEvent is published after a message's rules were executed.
// Digest and report consumers read it.
type RulesAppliedEvent struct {
	EmailAccountID string       `json:"email_account_id"`
	AccountEmail   string       `json:"account_email"`
	MessageID      string       `json:"message_id"`
	ThreadID       string       `json:"thread_id"`
	From           string       `json:"from"`
	Subject        string       `json:"subject"`
	PrimaryRule    string       `json:"primary_rule,omitempty"`
	MatchedRules   []string     `json:"matched_rules,omitempty"`
	Reason         string       `json:"reason"`
	Actions        []ActionType `json:"actions,omitempty"`
	IsTest         bool         `json:"is_test,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// LearnedPattern ties a sender (or subject) to the rule that should handle it.
type LearnedPattern struct {
	EmailAccountID string        `json:"email_account_id"`
	RuleID         string        `json:"rule_id"`
	Type           GroupItemType `json:"type"`
	Value          string        `json:"value"`
	Exclude        bool          `json:"exclude,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
