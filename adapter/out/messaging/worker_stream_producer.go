// Package messaging provides message queue adapters.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamEmailReceived = "email:received"
	StreamMailActions   = "mail:actions"
	StreamRulesApplied  = "rules:applied"

	// Delayed actions wait in a sorted set scored by due time.
	delayedActionsKey = "mail:actions:delayed"
)

// RedisProducer implements out.MessageProducer using Redis Streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a new RedisProducer. maxLen caps every stream
// approximately; zero leaves them unbounded.
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

// PublishEmailReceived queues a message for rule processing.
func (p *RedisProducer) PublishEmailReceived(ctx context.Context, job *out.EmailReceivedJob) error {
	return p.publish(ctx, StreamEmailReceived, job)
}

// PublishAction hands an action to the provider-side executor. Actions with
// a delay are parked until due.
func (p *RedisProducer) PublishAction(ctx context.Context, job *out.ActionJob) error {
	if job.DelayInMinutes > 0 {
		return p.schedule(ctx, job, job.CreatedAt.Add(time.Duration(job.DelayInMinutes)*time.Minute))
	}
	return p.publish(ctx, StreamMailActions, job)
}

// PublishRulesApplied publishes the outcome of a rule run.
func (p *RedisProducer) PublishRulesApplied(ctx context.Context, event *domain.RulesAppliedEvent) error {
	return p.publish(ctx, StreamRulesApplied, event)
}

// Execute implements out.ActionExecutor: actions run on the provider side,
// so executing one means queueing it.
func (p *RedisProducer) Execute(ctx context.Context, job *out.ActionJob) error {
	return p.PublishAction(ctx, job)
}

// =============================================================================
// Delayed Actions (Redis Sorted Set)
// =============================================================================

func (p *RedisProducer) schedule(ctx context.Context, job *out.ActionJob, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.ZAdd(ctx, delayedActionsKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule action: %w", err)
	}
	return nil
}

// ReleaseDueActions moves actions whose delay elapsed onto the actions
// stream and returns how many were moved.
func (p *RedisProducer) ReleaseDueActions(ctx context.Context, now time.Time) (int, error) {
	max := fmt.Sprintf("%d", now.Unix())
	due, err := p.client.ZRangeByScore(ctx, delayedActionsKey, &redis.ZRangeBy{Min: "-inf", Max: max, Count: 100}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed actions: %w", err)
	}

	released := 0
	for _, member := range due {
		// ZRem decides which worker owns the release.
		removed, err := p.client.ZRem(ctx, delayedActionsKey, member).Result()
		if err != nil {
			return released, fmt.Errorf("failed to claim delayed action: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := p.xadd(ctx, StreamMailActions, member); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream string, job interface{}) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return p.xadd(ctx, stream, string(data))
}

func (p *RedisProducer) xadd(ctx context.Context, stream, data string) error {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"data": data},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var (
	_ out.MessageProducer = (*RedisProducer)(nil)
	_ out.ActionExecutor  = (*RedisProducer)(nil)
)
