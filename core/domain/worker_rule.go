package domain

import (
	"time"
)

// =============================================================================
// Rule
// =============================================================================

// LogicalOperator combines a rule's static group with its AI instructions.
type LogicalOperator string

const (
	LogicalOperatorAnd LogicalOperator = "AND"
	LogicalOperatorOr  LogicalOperator = "OR"
)

// Rule is an automation policy configured for an email account.
// Conditions are stored flat (instructions + static fields + group) and
// projected into []Condition by GetConditions.
type Rule struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmailAccountID string `json:"email_account_id"`
	Enabled        bool   `json:"enabled"`
	Automate       bool   `json:"automate"`
	Position       int    `json:"position"`

	// AI condition
	Instructions string `json:"instructions,omitempty"`

	// Static conditions
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// ConditionalOperator joins the static group and the AI instructions.
	ConditionalOperator LogicalOperator `json:"conditional_operator,omitempty"`

	// Learned patterns
	GroupID string     `json:"group_id,omitempty"`
	Group   *RuleGroup `json:"group,omitempty"`

	Actions []Action `json:"actions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Operator returns the rule's logical operator, defaulting to AND.
func (r *Rule) Operator() LogicalOperator {
	if r.ConditionalOperator == LogicalOperatorOr {
		return LogicalOperatorOr
	}
	return LogicalOperatorAnd
}

// RuleGroup holds patterns learned for a rule (senders, subjects).
type RuleGroup struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Items []RuleGroupItem `json:"items,omitempty"`
}

// GroupItemType is the header a learned pattern matches against.
type GroupItemType string

const (
	GroupItemFrom    GroupItemType = "FROM"
	GroupItemSubject GroupItemType = "SUBJECT"
)

// RuleGroupItem is a single learned pattern.
type RuleGroupItem struct {
	ID      string        `json:"id"`
	Type    GroupItemType `json:"type"`
	Value   string        `json:"value"`
	Exclude bool          `json:"exclude,omitempty"`
}

// =============================================================================
// Actions
// =============================================================================

// ActionType is what happens to a message once its primary rule is chosen.
type ActionType string

const (
	ActionArchive     ActionType = "ARCHIVE"
	ActionLabel       ActionType = "LABEL"
	ActionReply       ActionType = "REPLY"
	ActionSendEmail   ActionType = "SEND_EMAIL"
	ActionForward     ActionType = "FORWARD"
	ActionDraftEmail  ActionType = "DRAFT_EMAIL"
	ActionMarkSpam    ActionType = "MARK_SPAM"
	ActionCallWebhook ActionType = "CALL_WEBHOOK"
	ActionMarkRead    ActionType = "MARK_READ"
	ActionTrackThread ActionType = "TRACK_THREAD"
	ActionDigest      ActionType = "DIGEST"
	ActionMoveFolder  ActionType = "MOVE_FOLDER"
)

// Action is a configured step of a rule.
type Action struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	Type           ActionType `json:"type"`
	Label          string     `json:"label,omitempty"`
	LabelID        string     `json:"label_id,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Content        string     `json:"content,omitempty"`
	To             string     `json:"to,omitempty"`
	Cc             string     `json:"cc,omitempty"`
	Bcc            string     `json:"bcc,omitempty"`
	URL            string     `json:"url,omitempty"`
	FolderName     string     `json:"folder_name,omitempty"`
	FolderID       string     `json:"folder_id,omitempty"`
	DelayInMinutes *int       `json:"delay_in_minutes,omitempty"`
}
