package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/resilience"
)

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithBaseURL(baseURL), WithMaxRetries(0))
}

func writeMessage(w http.ResponseWriter, text string, usage map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":   "msg_test",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-sonnet-4-5-20250929",
		"stop_reason": "end_turn",
		"usage":       usage,
	})
}

func TestComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(256), body["max_tokens"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
		_, hasSystem := body["system"]
		assert.False(t, hasSystem)

		writeMessage(w, "Acme sells to mid-market", map[string]any{"input_tokens": 10, "output_tokens": 5})
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).Complete(context.Background(), CompleteRequest{
		Model:     "claude-sonnet-4-5-20250929",
		Prompt:    "Who does Acme sell to?",
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme sells to mid-market", resp.Text)
	assert.Equal(t, "claude-sonnet-4-5-20250929", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

func TestComplete_CachedSystem(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			System []struct {
				Text         string `json:"text"`
				CacheControl struct {
					Type string `json:"type"`
					TTL  string `json:"ttl"`
				} `json:"cache_control"`
			} `json:"system"`
			Temperature float64 `json:"temperature"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Len(t, body.System, 1)
		assert.Equal(t, "You are an analyst", body.System[0].Text)
		assert.Equal(t, "ephemeral", body.System[0].CacheControl.Type)
		assert.Equal(t, "1h", body.System[0].CacheControl.TTL)
		assert.InDelta(t, 0.2, body.Temperature, 1e-9)

		writeMessage(w, "ok", map[string]any{
			"input_tokens":                50,
			"output_tokens":               3,
			"cache_creation_input_tokens": 5000,
			"cache_read_input_tokens":     200,
		})
	}))
	defer ts.Close()

	temp := 0.2
	resp, err := newTestClient(ts.URL).Complete(context.Background(), CompleteRequest{
		Model:       "claude-sonnet-4-5-20250929",
		System:      "You are an analyst",
		CacheTTL:    "1h",
		Prompt:      "Ack",
		MaxTokens:   128,
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, resp.CacheWriteTokens)
	assert.Equal(t, 200, resp.CacheReadTokens)
	assert.Equal(t, 5250, resp.TotalInputTokens())
}

func TestComplete_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Complete(context.Background(), CompleteRequest{
		Model:     "claude-haiku-4-5-20251001",
		Prompt:    "ping",
		MaxTokens: 16,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, 7*time.Second, resilience.RetryAfter(err))
}

func TestComplete_ServerErrorWithoutHint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Complete(context.Background(), CompleteRequest{Model: "m", Prompt: "p", MaxTokens: 1})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Zero(t, resilience.RetryAfter(err))
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(nil))
	assert.Equal(t, 0, StatusCode(context.Canceled))
}
