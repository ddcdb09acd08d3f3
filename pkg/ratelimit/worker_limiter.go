// Package ratelimit throttles and de-duplicates work keyed by account or message.
// Both types fall back to process-local state when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Limiter - sliding window per key
// =============================================================================

var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// Limiter allows at most limit events per window for each key.
type Limiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration

	mu    sync.Mutex
	local map[string][]time.Time
}

// NewLimiter creates a limiter. limit <= 0 disables limiting.
func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		redis:  client,
		limit:  limit,
		window: window,
		local:  make(map[string][]time.Time),
	}
}

// Allow records an event for key if the window has room. Otherwise it
// returns false and how long until the oldest event leaves the window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	if l.redis == nil {
		return l.allowLocal(key, time.Now())
	}

	now := time.Now()
	result, err := slidingWindow.Run(ctx, l.redis, []string{"ratelimit:" + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return l.allowLocal(key, now)
	}

	switch {
	case result == 1:
		return true, 0
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond
	default:
		return false, l.window
	}
}

// Wait blocks until key is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		ok, wait := l.Allow(ctx, key)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limiter) allowLocal(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	events := l.local[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.local[key] = kept
		return false, kept[0].Add(l.window).Sub(now)
	}
	l.local[key] = append(kept, now)
	return true, 0
}

// =============================================================================
// Guard - one holder per key
// =============================================================================

// Guard hands out short-lived exclusive claims, so duplicate deliveries of
// the same job are not processed concurrently.
type Guard struct {
	redis *redis.Client
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]time.Time
}

func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	return &Guard{
		redis: client,
		ttl:   ttl,
		local: make(map[string]time.Time),
	}
}

// Claim returns true when the caller now holds key. A claim expires after
// the guard's TTL even if Release is never called.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, "inflight:"+key, "1", g.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", key, err)
		}
		return ok, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if until, held := g.local[key]; held && now.Before(until) {
		return false, nil
	}
	g.local[key] = now.Add(g.ttl)
	return true, nil
}

// Release drops a claim taken by Claim.
func (g *Guard) Release(ctx context.Context, key string) {
	if g.redis != nil {
		g.redis.Del(ctx, "inflight:"+key)
		return
	}

	g.mu.Lock()
	delete(g.local, key)
	g.mu.Unlock()
}
