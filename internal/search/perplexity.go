package search

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/pkg/perplexity"
)

const newsPrompt = "List recent news coverage for the query below. " +
	"Answer in two or three sentences; the sources matter more than the prose.\n\nQuery: %s"

// Perplexity answers news-oriented queries with Perplexity's grounded
// search and exposes the cited sources as hits.
type Perplexity struct {
	client perplexity.Client
	rates  cost.Rates
}

// NewPerplexity creates a Perplexity news searcher.
func NewPerplexity(client perplexity.Client, rates cost.Rates) *Perplexity {
	return &Perplexity{client: client, rates: rates}
}

// Name implements Searcher.
func (p *Perplexity) Name() string { return "perplexity" }

// Search implements Searcher.
func (p *Perplexity) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	maxTokens := 256
	req := perplexity.ChatCompletionRequest{
		Messages:            []perplexity.Message{{Role: "user", Content: fmt.Sprintf(newsPrompt, query)}},
		MaxTokens:           &maxTokens,
		SearchRecencyFilter: opts.Recency,
	}
	if opts.Site != "" {
		req.SearchDomainFilter = []string{opts.Site}
	}

	resp, err := p.client.ChatCompletion(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "search: perplexity %q", query)
	}

	answer := firstLine(resp.Content())
	var hits []Hit
	seen := make(map[string]bool)
	for _, r := range resp.SearchResults {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: answer, Published: r.Date})
	}
	// Older responses carry only bare citation URLs.
	for _, u := range resp.Citations {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		hits = append(hits, Hit{Title: u, URL: u, Snippet: answer})
	}

	return &Response{
		Hits: truncate(hits, opts.MaxResults),
		Charge: &cost.Charge{
			Service:     "perplexity",
			Description: "news: " + query,
			Cost:        p.rates.PerplexityQuery(),
			Units:       1,
			UnitType:    "query",
		},
	}, nil
}

// Ping reports whether the searcher is configured. It makes no request,
// since every Perplexity query is billed.
func (p *Perplexity) Ping(_ context.Context) error {
	if p.client == nil {
		return eris.New("search: perplexity client not configured")
	}
	return nil
}
