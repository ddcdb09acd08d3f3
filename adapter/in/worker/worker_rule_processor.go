package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox_worker/core/port/out"
	"inbox_worker/core/service/rule"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"
	"inbox_worker/pkg/ratelimit"
)

// RuleRunner is the part of the rule service the processor drives.
type RuleRunner interface {
	RunRules(ctx context.Context, in rule.RunRulesInput) (*rule.RunRulesResult, error)
}

// RuleProcessor handles email.received jobs.
type RuleProcessor struct {
	accounts out.EmailAccountRepository
	runner   RuleRunner
	limiter  *ratelimit.Limiter
	guard    *ratelimit.Guard
	log      *logger.Logger
}

type RuleProcessorOption func(*RuleProcessor)

// ErrInFlight is returned while another delivery of the same message holds
// the in-flight claim. The entry stays pending and is retried after the
// holder finishes or fails.
var ErrInFlight = errors.New("message already in flight")

// WithAccountLimiter throttles rule runs per email account.
func WithAccountLimiter(l *ratelimit.Limiter) RuleProcessorOption {
	return func(p *RuleProcessor) { p.limiter = l }
}

// WithInFlightGuard defers a job while another delivery of the same message
// is being processed.
func WithInFlightGuard(g *ratelimit.Guard) RuleProcessorOption {
	return func(p *RuleProcessor) { p.guard = g }
}

func NewRuleProcessor(accounts out.EmailAccountRepository, runner RuleRunner, opts ...RuleProcessorOption) *RuleProcessor {
	p := &RuleProcessor{
		accounts: accounts,
		runner:   runner,
		log:      logger.Scoped("rule-processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEmailReceived runs rules for the job's message. Jobs that can never
// succeed (bad payload, unknown account or message) are logged and dropped;
// everything else returns an error so the stream redelivers the job.
func (p *RuleProcessor) ProcessEmailReceived(ctx context.Context, msg *Message) error {
	start := time.Now()

	job, err := ParsePayload[out.EmailReceivedJob](msg)
	if err != nil {
		p.log.WithError(err).Warn("dropping malformed job %s", msg.ID)
		return nil
	}
	if job.EmailAccountID == "" || job.MessageID == "" {
		p.log.Warn("dropping job %s without account or message id", msg.ID)
		return nil
	}

	log := p.log.WithFields(map[string]any{
		"account_id": job.EmailAccountID,
		"message_id": job.MessageID,
	})

	if p.guard != nil {
		key := job.EmailAccountID + ":" + job.MessageID
		claimed, err := p.guard.Claim(ctx, key)
		if err != nil {
			log.WithError(err).Warn("in-flight claim failed, processing anyway")
		} else if !claimed {
			log.Debug("duplicate delivery in flight, leaving pending")
			return ErrInFlight
		} else {
			defer p.guard.Release(context.WithoutCancel(ctx), key)
		}
	}

	account, err := p.accounts.GetByID(ctx, job.EmailAccountID)
	if err != nil {
		if permanent(err) {
			log.WithError(err).Warn("dropping job")
			return nil
		}
		return fmt.Errorf("load account: %w", err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, job.EmailAccountID); err != nil {
			return err
		}
	}

	result, err := p.runner.RunRules(ctx, rule.RunRulesInput{
		EmailAccount: account,
		MessageID:    job.MessageID,
		IsTest:       job.IsTest,
	})
	if err != nil {
		if permanent(err) {
			log.WithError(err).Warn("dropping job")
			return nil
		}
		return err
	}

	if result.AlreadyExecuted {
		log.Debug("already processed")
		return nil
	}

	log.WithDuration(time.Since(start)).WithField("status", result.Status).Debug("job done")
	return nil
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound, apperr.CodeInvalidInput, apperr.CodeMissingField, apperr.CodeValidationFailed:
		return true
	}
	return false
}
