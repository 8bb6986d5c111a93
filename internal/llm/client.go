// Package llm adapts AI providers to the single completion contract the
// analysis pipeline depends on.
package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/resilience"
)

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = eris.New("llm: empty completion")

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// Operation labels the call in logs and retries.
	Operation string
}

// Response is the text and usage of a completion.
type Response struct {
	Text  string
	Model string
	Usage cost.TokenUsage
}

// Client is an AI completion collaborator. When the provider answers with
// no text, Complete returns the response together with ErrEmptyCompletion
// so the usage can still be recorded.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Name identifies the provider ("anthropic", "gemini").
	Name() string
	// Model is the model id used for pricing.
	Model() string
}

// Ping sends a one-token completion to verify credentials and reachability.
func Ping(ctx context.Context, c Client) error {
	_, err := c.Complete(ctx, Request{Prompt: "ping", MaxTokens: 1, Operation: "ping"})
	if err != nil && !eris.Is(err, ErrEmptyCompletion) {
		return eris.Wrapf(err, "llm: ping %s", c.Name())
	}
	return nil
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return (n + 3) / 4
}

func retryConfig(base resilience.RetryConfig, provider, op string, status func(error) int) resilience.RetryConfig {
	cfg := base
	cfg.Retryable = func(err error) bool {
		return resilience.IsTransient(err) || resilience.IsTransientHTTPStatus(status(err))
	}
	if op == "" {
		op = "complete"
	}
	cfg.OnRetry = resilience.LogRetry(provider, op)
	return cfg
}

func checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyCompletion
	}
	return nil
}
