package worker

import (
	"context"

	"inbox_worker/adapter/out/messaging"
	"inbox_worker/pkg/logger"
)

// Handler routes messages to processors by job type.
type Handler struct {
	ruleProcessor *RuleProcessor
}

func NewHandler(ruleProcessor *RuleProcessor) *Handler {
	return &Handler{ruleProcessor: ruleProcessor}
}

// JobTypeForStream maps a stream to the job its entries carry.
func JobTypeForStream(stream string) (JobType, bool) {
	switch stream {
	case messaging.StreamEmailReceived:
		return JobRulesRun, true
	default:
		return "", false
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobRulesRun:
		return h.ruleProcessor.ProcessEmailReceived(ctx, msg)

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}
