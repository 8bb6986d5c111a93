package scrape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/pkg/firecrawl"
)

// ErrExcluded is returned for URLs rejected by the path matcher.
var ErrExcluded = eris.New("scrape: url excluded by path matcher")

// Outcome is the result of scraping one URL. Exactly one of Result and Err
// is set.
type Outcome struct {
	URL    string
	Result *Result
	Err    error
}

// OK reports whether the URL was fetched.
func (o Outcome) OK() bool { return o.Err == nil && o.Result != nil }

// Chain tries scrapers in priority order, returning the first success.
type Chain struct {
	PathMatcher *PathMatcher
	scrapers    []Scraper
	fcClient    firecrawl.Client // optional: enables batch scrape fallback
	rates       cost.Rates
	pollOpts    []firecrawl.PollOption
}

// NewChain creates a Chain with the given path matcher and scrapers.
// Scrapers are tried in order; the first successful result is returned.
func NewChain(matcher *PathMatcher, scrapers ...Scraper) *Chain {
	if matcher == nil {
		matcher = NewPathMatcher(nil)
	}
	return &Chain{
		PathMatcher: matcher,
		scrapers:    scrapers,
		pollOpts: []firecrawl.PollOption{
			firecrawl.WithPollInterval(2 * time.Second),
			firecrawl.WithPollCap(10 * time.Second),
		},
	}
}

// WithFirecrawlClient enables batch scrape fallback for ScrapeAll. Pages
// are billed at rates.FirecrawlCredit each.
func (c *Chain) WithFirecrawlClient(fc firecrawl.Client, rates cost.Rates, opts ...firecrawl.PollOption) *Chain {
	c.fcClient = fc
	c.rates = rates
	if len(opts) > 0 {
		c.pollOpts = opts
	}
	return c
}

// Names lists the configured scrapers in order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.scrapers))
	for _, s := range c.scrapers {
		names = append(names, s.Name())
	}
	return names
}

// Scrape tries each scraper in order for a single URL.
// Returns the first successful result, or an error if all fail.
func (c *Chain) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	if c.PathMatcher.IsExcluded(targetURL) {
		return nil, eris.Wrapf(ErrExcluded, "scrape: %s", targetURL)
	}
	return c.try(ctx, c.scrapers, targetURL)
}

func (c *Chain) try(ctx context.Context, scrapers []Scraper, targetURL string) (*Result, error) {
	var lastErr error
	for _, s := range scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		result, err := s.Scrape(ctx, targetURL)
		if err == nil && result != nil {
			return result, nil
		}
		if err != nil {
			zap.L().Debug("scrape: scraper failed, trying next",
				zap.String("scraper", s.Name()),
				zap.String("url", targetURL),
				zap.Error(err),
			)
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "scrape: cancelled")
		}
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "scrape: all scrapers failed")
	}
	return nil, eris.Errorf("scrape: no suitable scraper for url: %s", targetURL)
}

// ScrapeAll fetches urls in parallel with at most maxConcurrent in flight
// and returns one Outcome per URL, in input order.
//
// When a Firecrawl client is set and Firecrawl is the last scraper, URLs
// that fail every other scraper are collected and sent to Firecrawl's batch
// API in a single call.
func (c *Chain) ScrapeAll(ctx context.Context, urls []string, maxConcurrent int) []Outcome {
	outcomes := make([]Outcome, len(urls))
	if len(urls) == 0 {
		return outcomes
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	useBatch := c.fcClient != nil && len(c.scrapers) > 1 &&
		c.scrapers[len(c.scrapers)-1].Name() == "firecrawl"
	primary := c.scrapers
	if useBatch {
		primary = c.scrapers[:len(c.scrapers)-1]
	}

	var (
		mu       sync.Mutex
		deferred []int
	)

	// Every goroutine returns nil so one failed URL never cancels the rest.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, u := range urls {
		outcomes[i].URL = u
		g.Go(func() error {
			if c.PathMatcher.IsExcluded(u) {
				outcomes[i].Err = eris.Wrapf(ErrExcluded, "scrape: %s", u)
				return nil
			}

			list := c.scrapers
			if useBatch {
				list = primary
			}
			result, err := c.try(gCtx, list, u)
			if err == nil {
				outcomes[i].Result = result
				return nil
			}
			if useBatch && gCtx.Err() == nil {
				mu.Lock()
				deferred = append(deferred, i)
				mu.Unlock()
			}
			outcomes[i].Err = err
			return nil
		})
	}

	_ = g.Wait()

	if len(deferred) > 0 {
		c.batchScrapeFirecrawl(ctx, urls, deferred, outcomes)
	}

	return outcomes
}

// batchScrapeFirecrawl fills outcomes for the deferred indexes from one
// Firecrawl batch. URLs missing from the batch keep their earlier error.
func (c *Chain) batchScrapeFirecrawl(ctx context.Context, urls []string, deferred []int, outcomes []Outcome) {
	batch := make([]string, 0, len(deferred))
	for _, i := range deferred {
		batch = append(batch, urls[i])
	}

	zap.L().Info("scrape: batch-scraping via firecrawl", zap.Int("urls", len(batch)))

	status, err := firecrawl.ScrapeMany(ctx, c.fcClient, batch, c.pollOpts...)
	if err != nil {
		zap.L().Warn("scrape: firecrawl batch scrape failed", zap.Error(err))
		for _, i := range deferred {
			outcomes[i].Err = eris.Wrap(err, "scrape: firecrawl batch")
		}
		return
	}

	byURL := make(map[string]firecrawl.PageData, len(status.Data))
	for _, d := range status.Data {
		if d.Markdown != "" {
			byURL[normalizeURL(d.PageURL())] = d
		}
	}

	received := 0
	for _, i := range deferred {
		d, ok := byURL[normalizeURL(urls[i])]
		if !ok {
			continue
		}
		outcomes[i].Result = pageResult(urls[i], d, c.rates.FirecrawlCredit())
		outcomes[i].Err = nil
		received++
	}

	zap.L().Info("scrape: firecrawl batch scrape complete",
		zap.Int("requested", len(batch)),
		zap.Int("received", received),
		zap.Int("credits", status.CreditsUsed),
	)
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.ToLower(u), "/")
}

// Ping reports whether the chain has at least one scraper.
func (c *Chain) Ping(_ context.Context) error {
	if len(c.scrapers) == 0 && c.fcClient == nil {
		return eris.New("scrape: no scrapers configured")
	}
	return nil
}
