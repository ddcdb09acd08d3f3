package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"inbox_worker/adapter/out/messaging"
	"inbox_worker/core/domain"
	"inbox_worker/core/service/rule"
	"inbox_worker/pkg/apperr"

	"github.com/rs/zerolog"
)

type fakeAccounts struct {
	accounts map[string]*domain.EmailAccount
	err      error
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*domain.EmailAccount, error) {
	if f.err != nil {
		return nil, f.err
	}
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, apperr.NotFound("email account")
}

type fakeRunner struct {
	inputs []rule.RunRulesInput
	result *rule.RunRulesResult
	err    error
	delay  time.Duration
}

func (f *fakeRunner) RunRules(ctx context.Context, in rule.RunRulesInput) (*rule.RunRulesResult, error) {
	f.inputs = append(f.inputs, in)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &rule.RunRulesResult{Status: domain.ExecutedRuleSkipped}, nil
}

func newTestPool(t *testing.T, runner *fakeRunner, accounts *fakeAccounts, cfg *PoolConfig) *Pool {
	t.Helper()
	p := NewPool(NewHandler(NewRuleProcessor(accounts, runner)), cfg, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func defaultAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: map[string]*domain.EmailAccount{
		"acc-1": {ID: "acc-1", Email: "user@example.com"},
	}}
}

func TestPoolHandleEmailReceived(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPool(t, runner, defaultAccounts(), nil)

	data := []byte(`{"email_account_id":"acc-1","message_id":"m-1","received_at":"2024-03-01T10:00:00Z"}`)
	if err := p.Handle(context.Background(), messaging.StreamEmailReceived, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(runner.inputs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runner.inputs))
	}
	in := runner.inputs[0]
	if in.MessageID != "m-1" || in.EmailAccount.Email != "user@example.com" || in.IsTest {
		t.Errorf("unexpected input %+v", in)
	}
	if got := p.GetMetrics().JobsProcessed; got != 1 {
		t.Errorf("expected 1 processed job, got %d", got)
	}
}

func TestPoolHandleErrors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		accounts *fakeAccounts
		runErr   error
		wantErr  bool
		wantRuns int
	}{
		{
			name:     "malformed payload is dropped",
			data:     `{not json`,
			accounts: defaultAccounts(),
		},
		{
			name:     "missing message id is dropped",
			data:     `{"email_account_id":"acc-1"}`,
			accounts: defaultAccounts(),
		},
		{
			name:     "unknown account is dropped",
			data:     `{"email_account_id":"acc-2","message_id":"m-1"}`,
			accounts: defaultAccounts(),
		},
		{
			name:     "account store failure is retried",
			data:     `{"email_account_id":"acc-1","message_id":"m-1"}`,
			accounts: &fakeAccounts{err: errors.New("connection refused")},
			wantErr:  true,
		},
		{
			name:     "backend unavailable is retried",
			data:     `{"email_account_id":"acc-1","message_id":"m-1"}`,
			accounts: defaultAccounts(),
			runErr:   apperr.BackendUnavailable("reasoning backend", errors.New("503")),
			wantErr:  true,
			wantRuns: 1,
		},
		{
			name:     "missing message is dropped",
			data:     `{"email_account_id":"acc-1","message_id":"m-1"}`,
			accounts: defaultAccounts(),
			runErr:   apperr.NotFound("message m-1"),
			wantRuns: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			p := newTestPool(t, runner, tt.accounts, nil)

			err := p.Handle(context.Background(), messaging.StreamEmailReceived, []byte(tt.data))
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if len(runner.inputs) != tt.wantRuns {
				t.Errorf("expected %d runs, got %d", tt.wantRuns, len(runner.inputs))
			}
		})
	}
}

func TestPoolJobTimeout(t *testing.T) {
	runner := &fakeRunner{delay: time.Second}
	cfg := DefaultPoolConfig()
	cfg.JobTimeoutByType = map[JobType]time.Duration{JobRulesRun: 20 * time.Millisecond}
	p := newTestPool(t, runner, defaultAccounts(), cfg)

	err := p.Handle(context.Background(), messaging.StreamEmailReceived, []byte(`{"email_account_id":"acc-1","message_id":"m-1"}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if got := p.GetMetrics().JobsFailed; got != 1 {
		t.Errorf("expected 1 failed job, got %d", got)
	}
}

func TestPoolUnknownStream(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPool(t, runner, defaultAccounts(), nil)

	if err := p.Handle(context.Background(), "other:stream", []byte(`{}`)); err != nil {
		t.Errorf("expected unknown stream to be ignored, got %v", err)
	}
	if len(runner.inputs) != 0 {
		t.Errorf("expected no runs, got %d", len(runner.inputs))
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(NewHandler(NewRuleProcessor(defaultAccounts(), &fakeRunner{})), nil, zerolog.Nop())
	if err := p.Submit(context.Background(), NewMessage(JobRulesRun, "", nil)); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(2, time.Hour)
	if !r.Allow() || !r.Allow() {
		t.Fatal("expected first two calls to pass")
	}
	if r.Allow() {
		t.Error("expected third call to be limited")
	}
}
