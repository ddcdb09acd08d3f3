// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// Errors returned by the circuit breaker.
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTooManyRequest = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	Name                string        // Name for logging/metrics
	ConsecutiveFailures uint32        // Consecutive failures before opening (default: 5)
	FailureRatio        float64       // Failure ratio that opens the circuit (default: 0.6)
	MinRequests         uint32        // Requests needed before FailureRatio applies (default: 10)
	Interval            time.Duration // Closed-state counter reset interval (default: 60s)
	Timeout             time.Duration // Time to wait before half-open (default: 30s)
	MaxHalfOpenRequest  uint32        // Max requests in half-open (default: 3)

	// IsSuccessful decides which errors count against the circuit.
	// Caller mistakes (bad request, cancelled context) should not trip it.
	IsSuccessful func(err error) bool

	OnStateChange func(name string, from, to string)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequest:  3,
	}
}

// CircuitBreaker guards calls to a flaky dependency.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenRequest,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the circuit breaker name.
func (c *CircuitBreaker) Name() string {
	return c.cb.Name()
}

// State returns the current state as "closed", "half-open" or "open".
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}

// Execute runs fn with circuit breaker protection.
func (c *CircuitBreaker) Execute(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequest
	}
	return err
}

// =============================================================================
// Retry
// =============================================================================

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration

	// Retryable reports whether an error is worth another attempt.
	// nil retries every error.
	Retryable func(err error) bool
}

// DefaultRetryPolicy mirrors the worker pool's backoff: base * 2^n + random(0, 500ms).
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Jitter:     500 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// policy is exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries {
			return err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}

		timer := time.NewTimer(policy.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
