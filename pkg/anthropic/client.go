// Package anthropic wraps the Anthropic SDK for single-turn completions.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/resilience"
)

// Client defines the Anthropic operations used by the analysis pipeline.
type Client interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error)
}

// CompleteRequest is one user prompt with an optional system prompt.
type CompleteRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
	// CacheTTL marks System as a prompt-cache breakpoint ("5m" or "1h").
	CacheTTL    string
	Temperature *float64
}

// CompleteResponse is the text output and token usage of a completion.
type CompleteResponse struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
	// Cache tokens are billed as input but reported apart from it.
	CacheWriteTokens int
	CacheReadTokens  int
}

// TotalInputTokens is every input token the call was billed for.
func (r *CompleteResponse) TotalInputTokens() int {
	return r.InputTokens + r.CacheWriteTokens + r.CacheReadTokens
}

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	StatusCode int
	// Wait is the server's Retry-After, if it sent one.
	Wait time.Duration
	Err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// RetryAfter lets resilience.Retry honor the server's requested wait.
func (e *APIError) RetryAfter() time.Duration { return e.Wait }

// StatusCode returns the HTTP status of an API error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type sdkClient struct {
	client sdk.Client
	now    func() time.Time
}

// Option configures the SDK client.
type Option = option.RequestOption

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option { return option.WithBaseURL(u) }

// WithMaxRetries sets the SDK's own retry count.
func WithMaxRetries(n int) Option { return option.WithMaxRetries(n) }

// NewClient creates an Anthropic client backed by the SDK.
func NewClient(apiKey string, opts ...Option) Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkClient{client: sdk.NewClient(all...), now: time.Now}
}

func (c *sdkClient) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheTTL != "" {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(req.CacheTTL)
			block.CacheControl = cc
		}
		params.System = []sdk.TextBlockParam{block}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(c.apiError(err), "anthropic: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &CompleteResponse{
		Text:             text.String(),
		Model:            string(msg.Model),
		StopReason:       string(msg.StopReason),
		InputTokens:      int(msg.Usage.InputTokens),
		OutputTokens:     int(msg.Usage.OutputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
	}, nil
}

// apiError lifts an SDK error into an APIError; other errors pass through.
func (c *sdkClient) apiError(err error) error {
	var sdkErr *sdk.Error
	if !errors.As(err, &sdkErr) {
		return err
	}
	out := &APIError{StatusCode: sdkErr.StatusCode, Err: err}
	if sdkErr.Response != nil {
		out.Wait = resilience.ParseRetryAfter(sdkErr.Response.Header.Get("Retry-After"), c.now())
	}
	return out
}
