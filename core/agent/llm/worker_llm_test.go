package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const toolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "choose_rule", "arguments": "{\"reason\":\"ok\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

type fakeUsage struct {
	mu    sync.Mutex
	calls []out.Usage
}

func (f *fakeUsage) RecordUsage(_ context.Context, u out.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, usage out.UsageRecorder) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClientWithConfig(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/v1",
		MaxRetries: 2,
		Timeout:    5 * time.Second,
		Usage:      usage,
	})
	c.retry.BaseDelay = time.Millisecond
	c.retry.Jitter = 0
	return c
}

func testRequest() out.ObjectRequest {
	return out.ObjectRequest{
		System:     "system",
		Prompt:     "prompt",
		SchemaName: "choose_rule",
		Schema: jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: map[string]jsonschema.Definition{"reason": {Type: jsonschema.String}},
			Required:   []string{"reason"},
		},
		UsageLabel: "Choose rule",
		UserEmail:  "user@example.com",
	}
}

func TestGenerateObjectForcesToolCall(t *testing.T) {
	var body map[string]any
	usage := &fakeUsage{}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallResponse))
	}, usage)

	resp, err := c.GenerateObject(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(resp.Object) != `{"reason":"ok"}` {
		t.Errorf("expected tool arguments, got %s", resp.Object)
	}
	if resp.PromptTokens != 120 || resp.CompletionTokens != 30 {
		t.Errorf("unexpected token counts: %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}

	choice, ok := body["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("expected tool_choice object, got %#v", body["tool_choice"])
	}
	fn, _ := choice["function"].(map[string]any)
	if fn["name"] != "choose_rule" {
		t.Errorf("expected forced choose_rule, got %#v", choice)
	}

	if len(usage.calls) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(usage.calls))
	}
	if usage.calls[0].Label != "Choose rule" || usage.calls[0].Cost <= 0 {
		t.Errorf("unexpected usage record: %#v", usage.calls[0])
	}
}

func TestGenerateObjectRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(toolCallResponse))
	}, nil)

	if _, err := c.GenerateObject(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestGenerateObjectDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad schema","type":"invalid_request_error"}}`))
	}, nil)

	if _, err := c.GenerateObject(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if c.BreakerState() != "closed" {
		t.Errorf("client errors must not trip the breaker, state %s", c.BreakerState())
	}
}

func TestGenerateObjectWithoutToolCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"I think rule 3."}}]}`))
	}, nil)

	_, err := c.GenerateObject(context.Background(), testRequest())
	if !apperr.IsCode(err, apperr.CodeSchemaViolation) {
		t.Errorf("expected schema violation, got %v", err)
	}
}

func TestCompleteUsesAccountSettings(t *testing.T) {
	var auth string
	var body map[string]any
	usage := &fakeUsage{}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"  Tighten the rule.  "}}],"usage":{"prompt_tokens":40,"completion_tokens":5}}`))
	}, usage)

	got, err := c.Complete(context.Background(), out.TextRequest{
		System:     "system",
		Prompt:     "prompt",
		UsageLabel: "Fix rule",
		UserEmail:  "user@example.com",
		UserAI:     out.UserAI{Model: "gpt-4o", APIKey: "sk-user"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Tighten the rule." {
		t.Errorf("expected trimmed completion, got %q", got)
	}
	if auth != "Bearer sk-user" {
		t.Errorf("expected account key, got %q", auth)
	}
	if body["model"] != "gpt-4o" {
		t.Errorf("expected account model, got %v", body["model"])
	}
	if len(usage.calls) != 1 || usage.calls[0].Label != "Fix rule" || usage.calls[0].PromptTokens != 40 {
		t.Errorf("expected one usage record for the account, got %+v", usage.calls)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}, nil)

	if _, err := c.Complete(context.Background(), out.TextRequest{System: "s", Prompt: "p"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestCompleteWithoutAnswer(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{name: "no choices", response: `{"choices":[]}`},
		{name: "blank content", response: `{"choices":[{"index":0,"message":{"role":"assistant","content":"  "}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.response))
			}, nil)

			got, err := c.Complete(context.Background(), out.TextRequest{System: "s", Prompt: "p"})
			if !apperr.IsCode(err, apperr.CodeSchemaViolation) {
				t.Errorf("expected schema violation, got %v", err)
			}
			if got != "" {
				t.Errorf("expected no text, got %q", got)
			}
		})
	}
}

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		model    string
		expected float64
	}{
		{model: "gpt-4o-mini", expected: 0.15 + 0.60},
		{model: "gpt-4o-mini-2024-07-18", expected: 0.15 + 0.60},
		{model: "unknown-model", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := CalculateCost(tt.model, 1_000_000, 1_000_000)
			if diff := got - tt.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestCostTrackerStats(t *testing.T) {
	tracker := NewCostTracker()
	tracker.Track("gpt-4o-mini", 1000, 500)
	tracker.Track("gpt-4o-mini", 1000, 500)

	stats := tracker.GetStats()
	if stats.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", stats.RequestCount)
	}
	if stats.TotalTokens != 3000 {
		t.Errorf("expected 3000 tokens, got %d", stats.TotalTokens)
	}
	if stats.TodayCost != stats.TotalCost {
		t.Errorf("expected today's cost to equal total, got %f vs %f", stats.TodayCost, stats.TotalCost)
	}
}
