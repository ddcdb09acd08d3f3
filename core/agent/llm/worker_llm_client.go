package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/logger"
	"inbox_worker/pkg/metrics"
	"inbox_worker/pkg/resilience"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 2048
	defaultTimeout   = 60 * time.Second
)

// Client is the OpenAI-compatible reasoning backend.
type Client struct {
	client      *openai.Client
	httpClient  *http.Client
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration

	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	usage   out.UsageRecorder
	costs   *CostTracker
	log     *logger.Logger
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Usage      out.UsageRecorder
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     cfg.BaseURL,
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
		retry:       resilience.DefaultRetryPolicy(cfg.MaxRetries),
		usage:       cfg.Usage,
		costs:       NewCostTracker(),
		log:         logger.Scoped("llm"),
	}
	c.client = c.newOpenAIClient(cfg.APIKey)
	c.retry.Retryable = isRetryable

	breakerCfg := resilience.DefaultCircuitBreakerConfig("openai")
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || !isRetryable(err)
	}
	breakerCfg.OnStateChange = func(name, from, to string) {
		c.log.Warn("circuit %s: %s -> %s", name, from, to)
	}
	c.breaker = resilience.NewCircuitBreaker(breakerCfg)

	return c
}

// newOpenAIClient shares the transport across the default and per-user keys.
func (c *Client) newOpenAIClient(apiKey string) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		oc.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		oc.HTTPClient = c.httpClient
	}
	return openai.NewClientWithConfig(oc)
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// Stats returns in-process usage totals.
func (c *Client) Stats() CostStats {
	return c.costs.GetStats()
}

// BreakerState reports the backend circuit state.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// clientFor picks the account's own key and model over the defaults.
func (c *Client) clientFor(ai out.UserAI) (*openai.Client, string) {
	client, model := c.client, c.model
	if ai.APIKey != "" {
		client = c.newOpenAIClient(ai.APIKey)
	}
	if ai.Model != "" {
		model = ai.Model
	}
	return client, model
}

// GenerateObject forces the model to call a single function whose
// parameters are req.Schema and returns the call's arguments.
func (c *Client) GenerateObject(ctx context.Context, req out.ObjectRequest) (*out.ObjectResponse, error) {
	if req.SchemaName == "" {
		return nil, apperr.MissingField("schema_name")
	}

	client, model := c.clientFor(req.UserAI)

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionDefinition{
					Name:        req.SchemaName,
					Description: "Return the result in the required format.",
					Parameters:  req.Schema,
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.SchemaName},
		},
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			var callErr error
			resp, callErr = client.CreateChatCompletion(callCtx, chatReq)
			return callErr
		})
	})
	metrics.Since("llm."+req.SchemaName, start)
	if err != nil {
		c.log.WithError(err).Warn("generate %s failed after %v", req.SchemaName, time.Since(start))
		return nil, err
	}

	object, err := extractObject(resp, req.SchemaName)
	if err != nil {
		return nil, err
	}

	result := &out.ObjectResponse{
		Object:           object,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if result.Model == "" {
		result.Model = model
	}
	c.recordUsage(ctx, req.UserEmail, req.UsageLabel, result)

	c.log.WithDuration(time.Since(start)).Debug("generated %s (%d+%d tokens)",
		req.SchemaName, result.PromptTokens, result.CompletionTokens)

	return result, nil
}

// extractObject returns the forced tool call's arguments. Backends that
// ignore tool_choice and answer in content are accepted; the caller still
// validates the object.
func extractObject(resp openai.ChatCompletionResponse, name string) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, apperr.SchemaViolation(name, "response has no choices")
	}

	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == name {
			return []byte(tc.Function.Arguments), nil
		}
	}
	if msg.FunctionCall != nil && msg.FunctionCall.Name == name {
		return []byte(msg.FunctionCall.Arguments), nil
	}

	content := strings.TrimSpace(msg.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") {
		return []byte(content), nil
	}

	return nil, apperr.SchemaViolation(name, "model did not call the output function")
}

func (c *Client) recordUsage(ctx context.Context, userEmail, label string, resp *out.ObjectResponse) {
	cost := c.costs.Track(resp.Model, resp.PromptTokens, resp.CompletionTokens)
	if c.usage == nil || userEmail == "" {
		return
	}

	err := c.usage.RecordUsage(ctx, out.Usage{
		UserEmail:        userEmail,
		Label:            label,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Cost:             cost,
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to record usage for %s", userEmail)
	}
}

// isRetryable reports whether a backend error is transient: rate limits,
// server errors and transport failures. Client errors and cancellation are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequest) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return false
	}

	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 || code == 0
}

// Complete runs a plain chat completion. Used for free-text helpers such as
// the rule-fix assistant.
func (c *Client) Complete(ctx context.Context, req out.TextRequest) (string, error) {
	client, model := c.clientFor(req.UserAI)

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			var callErr error
			resp, callErr = client.CreateChatCompletion(callCtx, chatReq)
			return callErr
		})
	})
	metrics.Since("llm.completion", start)
	if err != nil {
		c.log.WithError(err).Warn("completion failed after %v", time.Since(start))
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", apperr.SchemaViolation("completion", "response has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", apperr.SchemaViolation("completion", "response is empty")
	}

	usage := &out.ObjectResponse{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if usage.Model == "" {
		usage.Model = model
	}
	c.recordUsage(ctx, req.UserEmail, req.UsageLabel, usage)

	return text, nil
}

var (
	_ out.StructuredLLM = (*Client)(nil)
	_ out.TextLLM       = (*Client)(nil)
)
