package domain

import (
	"time"
)

// Provider identifies the mailbox provider of an account.
type Provider string

const (
	MailProviderGmail   Provider = "google"
	MailProviderOutlook Provider = "outlook"
)

// =============================================================================
// Parsed Message
// =============================================================================

// MessageHeaders are the headers the rule engine reads.
type MessageHeaders struct {
	From    string `json:"from" bson:"from"`
	To      string `json:"to" bson:"to"`
	Cc      string `json:"cc,omitempty" bson:"cc,omitempty"`
	Subject string `json:"subject" bson:"subject"`
	Date    string `json:"date,omitempty" bson:"date,omitempty"`
	ReplyTo string `json:"reply_to,omitempty" bson:"reply_to,omitempty"`
}

// ParsedMessage is a provider message after MIME parsing.
type ParsedMessage struct {
	ID           string         `json:"id" bson:"message_id"`
	ThreadID     string         `json:"thread_id" bson:"thread_id"`
	Headers      MessageHeaders `json:"headers" bson:"headers"`
	TextPlain    string         `json:"text_plain,omitempty" bson:"text_plain,omitempty"`
	TextHTML     string         `json:"text_html,omitempty" bson:"text_html,omitempty"`
	Snippet      string         `json:"snippet,omitempty" bson:"snippet,omitempty"`
	LabelIDs     []string       `json:"label_ids,omitempty" bson:"label_ids,omitempty"`
	InternalDate time.Time      `json:"internal_date" bson:"internal_date"`
}

// =============================================================================
// LLM projection
// =============================================================================

// EmailForLLM is the bounded textual view of a message that prompts are built from.
type EmailForLLM struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Cc      string    `json:"cc,omitempty"`
	Subject string    `json:"subject"`
	Content string    `json:"content"`
	Date    time.Time `json:"date,omitempty"`
}

// =============================================================================
// Email Account
// =============================================================================

// EmailAccount is the mailbox rules run for, plus its AI settings.
type EmailAccount struct {
	ID       string   `json:"id" db:"id"`
	Email    string   `json:"email" db:"email"`
	UserID   string   `json:"user_id" db:"user_id"`
	Provider Provider `json:"provider" db:"provider"`

	// About is free text the user wrote about themselves; fed to prompts.
	About string `json:"about,omitempty" db:"about"`

	// Optional per-account model override.
	AIProvider string `json:"ai_provider,omitempty" db:"ai_provider"`
	AIModel    string `json:"ai_model,omitempty" db:"ai_model"`
	AIAPIKey   string `json:"-" db:"ai_api_key"`
}

// HasCustomAI reports whether the account brings its own API key.
func (a *EmailAccount) HasCustomAI() bool {
	return a != nil && a.AIAPIKey != ""
}
