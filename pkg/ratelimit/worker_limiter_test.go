package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterLocalWindow(t *testing.T) {
	l := NewLimiter(nil, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "acct-1"); !ok {
			t.Fatalf("event %d: expected allowed", i)
		}
	}

	ok, wait := l.Allow(ctx, "acct-1")
	if ok {
		t.Fatal("expected third event to be limited")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("expected wait within window, got %v", wait)
	}

	if ok, _ := l.Allow(ctx, "acct-2"); !ok {
		t.Error("expected other key to be unaffected")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(nil, 0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(context.Background(), "k"); !ok {
			t.Fatalf("event %d: expected allowed", i)
		}
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(nil, 1, time.Hour)
	if err := l.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestGuardLocalClaims(t *testing.T) {
	g := NewGuard(nil, time.Minute)
	ctx := context.Background()

	if ok, err := g.Claim(ctx, "acct:msg"); !ok || err != nil {
		t.Fatalf("expected first claim, got %v %v", ok, err)
	}
	if ok, _ := g.Claim(ctx, "acct:msg"); ok {
		t.Error("expected second claim to fail while held")
	}

	g.Release(ctx, "acct:msg")
	if ok, _ := g.Claim(ctx, "acct:msg"); !ok {
		t.Error("expected claim after release")
	}
}

func TestGuardClaimExpires(t *testing.T) {
	g := NewGuard(nil, 10*time.Millisecond)
	ctx := context.Background()

	g.Claim(ctx, "k")
	time.Sleep(20 * time.Millisecond)
	if ok, _ := g.Claim(ctx, "k"); !ok {
		t.Error("expected expired claim to be reclaimable")
	}
}
