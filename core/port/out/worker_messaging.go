package out

import (
	"context"
	"time"

	"inbox_worker/core/domain"
)

// MessageProducer defines the outbound port for the stream producer.
type MessageProducer interface {
	PublishEmailReceived(ctx context.Context, job *EmailReceivedJob) error
	PublishAction(ctx context.Context, job *ActionJob) error
	PublishRulesApplied(ctx context.Context, event *domain.RulesAppliedEvent) error
}

// EmailReceivedJob asks the worker to run rules on a new message.
type EmailReceivedJob struct {
	EmailAccountID string    `json:"email_account_id"`
	MessageID      string    `json:"message_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	IsTest         bool      `json:"is_test,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// ActionJob is one rule action handed to the provider-side executor.
type ActionJob struct {
	ID             string            `json:"id"`
	EmailAccountID string            `json:"email_account_id"`
	MessageID      string            `json:"message_id"`
	ThreadID       string            `json:"thread_id"`
	RuleID         string            `json:"rule_id"`
	Type           domain.ActionType `json:"type"`
	Label          string            `json:"label,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Content        string            `json:"content,omitempty"`
	To             string            `json:"to,omitempty"`
	Cc             string            `json:"cc,omitempty"`
	Bcc            string            `json:"bcc,omitempty"`
	URL            string            `json:"url,omitempty"`
	FolderName     string            `json:"folder_name,omitempty"`
	DelayInMinutes int               `json:"delay_in_minutes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
