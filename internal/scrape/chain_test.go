package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/pkg/firecrawl"
)

// mockScraper implements Scraper for testing.
type mockScraper struct {
	name     string
	supports bool
	result   *Result
	err      error
	calls    atomic.Int32
}

func (m *mockScraper) Name() string           { return m.name }
func (m *mockScraper) Supports(_ string) bool { return m.supports }
func (m *mockScraper) Scrape(_ context.Context, u string) (*Result, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return nil, nil
	}
	r := *m.result
	r.Page.URL = u
	return &r, nil
}

// byURLScraper succeeds only for the URLs in ok.
type byURLScraper struct {
	ok map[string]bool
}

func (b *byURLScraper) Name() string           { return "picky" }
func (b *byURLScraper) Supports(_ string) bool { return true }
func (b *byURLScraper) Scrape(_ context.Context, u string) (*Result, error) {
	if !b.ok[u] {
		return nil, errors.New("blocked")
	}
	return &Result{Page: Page{URL: u, Markdown: "content"}, Source: "picky"}, nil
}

func TestChain_Scrape_FirstSuccess(t *testing.T) {
	s1 := &mockScraper{name: "primary", supports: true, result: &Result{Page: Page{Title: "Home", Markdown: "content"}, Source: "primary"}}
	s2 := &mockScraper{name: "fallback", supports: true}

	chain := NewChain(NewPathMatcher([]string{"/account/*"}), s1, s2)
	result, err := chain.Scrape(context.Background(), "https://globex.com")

	require.NoError(t, err)
	assert.Equal(t, "primary", result.Source)
	assert.Equal(t, "https://globex.com", result.Page.URL)
	assert.Zero(t, s2.calls.Load())
}

func TestChain_Scrape_FallbackOnError(t *testing.T) {
	s1 := &mockScraper{name: "primary", supports: true, err: errors.New("failed")}
	s2 := &mockScraper{name: "fallback", supports: true, result: &Result{Page: Page{Title: "Home"}, Source: "fallback"}}

	chain := NewChain(nil, s1, s2)
	result, err := chain.Scrape(context.Background(), "https://globex.com")

	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Source)
}

func TestChain_Scrape_AllFail(t *testing.T) {
	s1 := &mockScraper{name: "s1", supports: true, err: errors.New("fail 1")}
	s2 := &mockScraper{name: "s2", supports: true, err: errors.New("fail 2")}

	_, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://globex.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all scrapers failed")
	assert.Contains(t, err.Error(), "fail 2")
}

func TestChain_Scrape_ExcludedURL(t *testing.T) {
	s1 := &mockScraper{name: "s1", supports: true}

	_, err := NewChain(NewPathMatcher([]string{"/account/*"}), s1).Scrape(context.Background(), "https://globex.com/account/me")
	require.ErrorIs(t, err, ErrExcluded)
	assert.Zero(t, s1.calls.Load())
}

func TestChain_Scrape_SkipsUnsupported(t *testing.T) {
	s1 := &mockScraper{name: "s1", supports: false}
	s2 := &mockScraper{name: "s2", supports: true, result: &Result{Source: "s2"}}

	result, err := NewChain(nil, s1, s2).Scrape(context.Background(), "https://globex.com")
	require.NoError(t, err)
	assert.Equal(t, "s2", result.Source)
	assert.Zero(t, s1.calls.Load())
}

func TestChain_Scrape_NoSuitableScraper(t *testing.T) {
	_, err := NewChain(nil, &mockScraper{name: "s1"}).Scrape(context.Background(), "https://globex.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suitable scraper")
}

func TestChain_ScrapeAll_InputOrder(t *testing.T) {
	picky := &byURLScraper{ok: map[string]bool{
		"https://globex.com/pricing": true,
		"https://globex.com/about":   true,
	}}
	chain := NewChain(NewPathMatcher([]string{"/account/*"}), picky)

	urls := []string{
		"https://globex.com/pricing",
		"https://globex.com/account/x", // excluded
		"https://globex.com/blocked",
		"https://globex.com/about",
	}
	outcomes := chain.ScrapeAll(context.Background(), urls, 2)

	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.Equal(t, urls[i], o.URL)
	}
	assert.True(t, outcomes[0].OK())
	assert.ErrorIs(t, outcomes[1].Err, ErrExcluded)
	assert.False(t, outcomes[2].OK())
	assert.True(t, outcomes[3].OK())
	assert.Equal(t, "https://globex.com/about", outcomes[3].Result.Page.URL)
}

func TestChain_ScrapeAll_Empty(t *testing.T) {
	chain := NewChain(nil, &mockScraper{name: "s1", supports: true, err: errors.New("fail")})
	assert.Empty(t, chain.ScrapeAll(context.Background(), nil, 5))

	outcomes := chain.ScrapeAll(context.Background(), []string{"https://globex.com"}, 0)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK())
}

func TestChain_ScrapeAll_FirecrawlBatchFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/batch/scrape":
			_, _ = w.Write([]byte(`{"success":true,"id":"b1"}`))
		case "/batch/scrape/b1":
			_, _ = w.Write([]byte(`{"status":"completed","creditsUsed":1,"data":[{"markdown":"# Blocked page","metadata":{"title":"Blocked","sourceURL":"https://globex.com/blocked/"}}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	fc := firecrawl.NewClient("key", firecrawl.WithBaseURL(srv.URL))
	rates := cost.DefaultRates()
	picky := &byURLScraper{ok: map[string]bool{"https://globex.com/pricing": true}}
	single := &mockScraper{name: "firecrawl", supports: true, err: errors.New("should not be called")}

	chain := NewChain(nil, picky, single).WithFirecrawlClient(fc, rates, firecrawl.WithPollInterval(time.Millisecond))
	outcomes := chain.ScrapeAll(context.Background(), []string{
		"https://globex.com/pricing",
		"https://globex.com/blocked",
		"https://globex.com/missing",
	}, 3)

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].OK())
	require.True(t, outcomes[1].OK())
	assert.Equal(t, "firecrawl", outcomes[1].Result.Source)
	assert.Equal(t, "Blocked", outcomes[1].Result.Page.Title)
	assert.InDelta(t, rates.FirecrawlCredit(), outcomes[1].Result.Charge.Cost, 1e-12)
	assert.False(t, outcomes[2].OK())
	assert.Zero(t, single.calls.Load())
}

func TestChain_Names(t *testing.T) {
	chain := NewChain(nil, NewLocalScraper(0), &mockScraper{name: "firecrawl"})
	assert.Equal(t, []string{"local_http", "firecrawl"}, chain.Names())
}

func TestChain_Ping(t *testing.T) {
	assert.NoError(t, NewChain(nil, NewLocalScraper(0)).Ping(context.Background()))
	assert.Error(t, NewChain(nil).Ping(context.Background()))
}
