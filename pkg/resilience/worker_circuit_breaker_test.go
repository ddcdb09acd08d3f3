package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.ConsecutiveFailures = 3
	cb := NewCircuitBreaker(cfg)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}

	if cb.State() != "open" {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}
}

func TestCircuitBreakerIgnoresSuccessfulErrors(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.ConsecutiveFailures = 2
	callerErr := errors.New("bad request")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, callerErr)
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return callerErr })
	}

	if cb.State() != "closed" {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestRetry(t *testing.T) {
	fast := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	tests := []struct {
		name      string
		failures  int
		retryable func(error) bool
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds first time", failures: 0, wantCalls: 1},
		{name: "succeeds after retries", failures: 2, wantCalls: 3},
		{name: "exhausts policy", failures: 10, wantCalls: 4, wantErr: true},
		{
			name:      "non-retryable stops immediately",
			failures:  10,
			retryable: func(error) bool { return false },
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := fast
			policy.Retryable = tt.retryable

			calls := 0
			err := Retry(context.Background(), policy, func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("transient")
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}

	calls := 0
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	if got := policy.Backoff(1); got != time.Second {
		t.Errorf("attempt 1: expected 1s, got %v", got)
	}
	if got := policy.Backoff(2); got != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %v", got)
	}
	if got := policy.Backoff(10); got != 4*time.Second {
		t.Errorf("attempt 10: expected cap of 4s, got %v", got)
	}
}
