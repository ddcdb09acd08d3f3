package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"inbox_worker/core/port/out"

	"github.com/redis/go-redis/v9"
)

// UsageKey is the Redis hash prefix holding an account's AI usage.
const UsageKey = "ai-usage:"

// RedisUsageStore accumulates AI usage per account email in Redis hashes.
type RedisUsageStore struct {
	client *redis.Client
}

// NewRedisUsageStore creates a new RedisUsageStore.
func NewRedisUsageStore(client *redis.Client) *RedisUsageStore {
	return &RedisUsageStore{client: client}
}

// UsageTotals is the accumulated usage of one account.
type UsageTotals struct {
	Calls            int64            `json:"calls"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	Cost             float64          `json:"cost"`
	ByLabel          map[string]int64 `json:"by_label,omitempty"`
}

// RecordUsage adds one call to the account's totals.
func (s *RedisUsageStore) RecordUsage(ctx context.Context, usage out.Usage) error {
	if usage.UserEmail == "" {
		return nil
	}
	key := UsageKey + usage.UserEmail

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "calls", 1)
	pipe.HIncrBy(ctx, key, "promptTokens", int64(usage.PromptTokens))
	pipe.HIncrBy(ctx, key, "completionTokens", int64(usage.CompletionTokens))
	pipe.HIncrBy(ctx, key, "totalTokens", int64(usage.PromptTokens+usage.CompletionTokens))
	if usage.Cost > 0 {
		pipe.HIncrByFloat(ctx, key, "cost", usage.Cost)
	}
	if usage.Label != "" {
		pipe.HIncrBy(ctx, key, "label:"+usage.Label, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// GetUsage returns the account's totals; zero when nothing was recorded.
func (s *RedisUsageStore) GetUsage(ctx context.Context, email string) (*UsageTotals, error) {
	fields, err := s.client.HGetAll(ctx, UsageKey+email).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	totals := &UsageTotals{ByLabel: make(map[string]int64)}
	for field, value := range fields {
		switch field {
		case "calls":
			totals.Calls, _ = strconv.ParseInt(value, 10, 64)
		case "promptTokens":
			totals.PromptTokens, _ = strconv.ParseInt(value, 10, 64)
		case "completionTokens":
			totals.CompletionTokens, _ = strconv.ParseInt(value, 10, 64)
		case "totalTokens":
			totals.TotalTokens, _ = strconv.ParseInt(value, 10, 64)
		case "cost":
			totals.Cost, _ = strconv.ParseFloat(value, 64)
		default:
			if label, ok := strings.CutPrefix(field, "label:"); ok {
				totals.ByLabel[label], _ = strconv.ParseInt(value, 10, 64)
			}
		}
	}
	return totals, nil
}

var _ out.UsageRecorder = (*RedisUsageStore)(nil)
