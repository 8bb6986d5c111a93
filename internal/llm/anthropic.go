package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/pkg/anthropic"
)

// Anthropic completes prompts with a Claude model.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
	retry     resilience.RetryConfig
	cacheTTL  string
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*Anthropic)

// WithPromptCache marks system prompts as cacheable for ttl ("5m" or "1h").
func WithPromptCache(ttl string) AnthropicOption {
	return func(a *Anthropic) { a.cacheTTL = ttl }
}

// NewAnthropic wraps client for model. maxTokens is used when a request
// does not set its own.
func NewAnthropic(client anthropic.Client, model string, maxTokens int, retry resilience.RetryConfig, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{client: client, model: model, maxTokens: maxTokens, retry: retry}
	for _, fn := range opts {
		fn(a)
	}
	return a
}

// Name implements Client.
func (a *Anthropic) Name() string { return "anthropic" }

// Model implements Client.
func (a *Anthropic) Model() string { return a.model }

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	msg := anthropic.CompleteRequest{
		Model:       a.model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   int64(maxTokens),
		Temperature: req.Temperature,
	}
	if req.System != "" {
		msg.CacheTTL = a.cacheTTL
	}

	cfg := retryConfig(a.retry, a.Name(), req.Operation, anthropic.StatusCode)
	resp, err := resilience.Retry(ctx, cfg, func(ctx context.Context) (*anthropic.CompleteResponse, error) {
		return a.client.Complete(ctx, msg)
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: anthropic complete")
	}

	model := resp.Model
	if model == "" {
		model = a.model
	}
	out := &Response{
		Text:  resp.Text,
		Model: model,
		Usage: cost.TokenUsage{
			InputTokens:  resp.TotalInputTokens(),
			OutputTokens: resp.OutputTokens,
		},
	}
	if err := checkText(out.Text); err != nil {
		return out, err
	}
	return out, nil
}
