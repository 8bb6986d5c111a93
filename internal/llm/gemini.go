package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/pkg/gemini"
)

// Gemini completes prompts with a Gemini model.
type Gemini struct {
	client    gemini.Client
	model     string
	maxTokens int
	retry     resilience.RetryConfig
}

// NewGemini wraps client for model.
func NewGemini(client gemini.Client, model string, maxTokens int, retry resilience.RetryConfig) *Gemini {
	return &Gemini{client: client, model: model, maxTokens: maxTokens, retry: retry}
}

// Name implements Client.
func (g *Gemini) Name() string { return "gemini" }

// Model implements Client.
func (g *Gemini) Model() string { return g.model }

// Complete implements Client.
func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	gen := gemini.GenerateRequest{
		Model:           g.model,
		System:          req.System,
		Prompt:          req.Prompt,
		MaxOutputTokens: int32(maxTokens), //nolint:gosec // bounded by config
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gen.Temperature = &t
	}

	cfg := retryConfig(g.retry, g.Name(), req.Operation, gemini.StatusCode)
	resp, err := resilience.Retry(ctx, cfg, func(ctx context.Context) (*gemini.GenerateResponse, error) {
		return g.client.Generate(ctx, gen)
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: gemini complete")
	}

	out := &Response{
		Text:  resp.Text,
		Model: g.model,
		Usage: cost.TokenUsage{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
	}
	if err := checkText(out.Text); err != nil {
		return out, err
	}
	return out, nil
}
