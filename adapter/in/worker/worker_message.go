package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

const (
	// JobRulesRun runs an account's rules on a newly received message.
	JobRulesRun JobType = "rules.run"
)

// Message is one unit of work handed to the pool.
type Message struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Stream     string          `json:"stream,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewMessage wraps a raw stream payload.
func NewMessage(jobType JobType, stream string, payload []byte) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Type:       jobType,
		Stream:     stream,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

// ParsePayload decodes the message payload into T.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
