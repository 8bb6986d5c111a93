package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/pkg/jina"
)

var errNeedsFallback = eris.New("jina: response needs fallback")

// JinaAdapter wraps a Jina Reader client as a Scraper behind a circuit
// breaker. While the breaker is open, Supports returns false and the chain
// moves straight to the next scraper.
type JinaAdapter struct {
	client  jina.Client
	rates   cost.Rates
	breaker *resilience.Breaker
}

// NewJinaAdapter creates a JinaAdapter. A nil breaker gets one that opens
// after 3 consecutive failures and probes again after 60s.
func NewJinaAdapter(client jina.Client, rates cost.Rates, breaker *resilience.Breaker) *JinaAdapter {
	if breaker == nil {
		breaker = resilience.NewBreaker("jina", resilience.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	}
	return &JinaAdapter{client: client, rates: rates, breaker: breaker}
}

func (j *JinaAdapter) Name() string { return "jina" }

// Supports returns true unless the circuit breaker is open.
func (j *JinaAdapter) Supports(_ string) bool {
	return !j.breaker.Open()
}

// Scrape fetches a URL via Jina Reader and validates the response.
func (j *JinaAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := resilience.Call(ctx, j.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		if needsFallback(resp) {
			return nil, errNeedsFallback
		}
		return resp, nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, eris.Wrap(err, "jina: reader unavailable")
	}
	if err != nil {
		return nil, err
	}

	pageURL := resp.Data.URL
	if pageURL == "" {
		pageURL = targetURL
	}
	return &Result{
		Page: Page{
			URL:        pageURL,
			Title:      resp.Data.Title,
			Markdown:   resp.Data.Content,
			StatusCode: resp.Code,
		},
		Source: "jina",
		Charge: &cost.Charge{
			Service:     "jina",
			Description: "read: " + targetURL,
			Cost:        j.rates.JinaRead(resp.Data.Usage.Tokens),
			Units:       float64(resp.Data.Usage.Tokens),
			UnitType:    "tokens",
		},
	}, nil
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// needsFallback reports whether a Jina response is blocked or too thin to
// use, so the next scraper should try.
func needsFallback(resp *jina.ReadResponse) bool {
	if resp == nil {
		return true
	}
	if resp.Code != 0 && resp.Code != 200 {
		return true
	}

	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return true
	}

	lower := strings.ToLower(content)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) && len(content) < 1000 {
			return true
		}
	}
	return false
}
