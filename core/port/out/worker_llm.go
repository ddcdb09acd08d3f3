package out

import (
	"context"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// UserAI carries an account's own model settings. Zero value uses the
// service defaults.
type UserAI struct {
	Provider string
	Model    string
	APIKey   string
}

// ObjectRequest asks the reasoning backend for one JSON object matching Schema.
type ObjectRequest struct {
	System     string
	Prompt     string
	Schema     jsonschema.Definition
	SchemaName string

	// UsageLabel tags the call in usage accounting, e.g. "Choose rule".
	UsageLabel string
	UserEmail  string
	UserAI     UserAI
}

// ObjectResponse is the raw structured output plus token accounting.
type ObjectResponse struct {
	Object           []byte
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// StructuredLLM is the reasoning backend. Implementations return the
// object exactly as produced; callers validate it.
type StructuredLLM interface {
	GenerateObject(ctx context.Context, req ObjectRequest) (*ObjectResponse, error)
}

// Usage is one backend call's token and cost accounting.
type Usage struct {
	UserEmail        string
	Label            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// UsageRecorder persists AI usage per account.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, usage Usage) error
}

// TextRequest asks the reasoning backend for free text.
type TextRequest struct {
	System     string
	Prompt     string
	UsageLabel string
	UserEmail  string
	UserAI     UserAI
}

// TextLLM produces free text, e.g. suggested rule fixes. An empty answer
// is an error, never a blank string.
type TextLLM interface {
	Complete(ctx context.Context, req TextRequest) (string, error)
}
