package search

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/pkg/jina"
)

// Jina searches the web through Jina AI Search.
type Jina struct {
	client  jina.Client
	rates   cost.Rates
	limiter *rate.Limiter
}

// NewJina creates a Jina searcher limited to qps queries per second.
// A non-positive qps disables limiting.
func NewJina(client jina.Client, rates cost.Rates, qps float64) *Jina {
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	return &Jina{client: client, rates: rates, limiter: rate.NewLimiter(limit, 1)}
}

// Name implements Searcher.
func (j *Jina) Name() string { return "jina" }

// Search implements Searcher.
func (j *Jina) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "search: jina rate limit wait")
	}

	var jopts []jina.SearchOption
	jopts = append(jopts, jina.WithoutContent())
	if opts.Site != "" {
		jopts = append(jopts, jina.WithSiteFilter(opts.Site))
	}

	resp, err := j.client.Search(ctx, query, jopts...)
	if err != nil {
		return nil, eris.Wrapf(err, "search: jina %q", query)
	}

	hits := make([]Hit, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL == "" {
			continue
		}
		snippet := d.Description
		if snippet == "" {
			snippet = firstLine(d.Content)
		}
		hits = append(hits, Hit{Title: d.Title, URL: d.URL, Snippet: snippet})
	}

	tokens := resp.Tokens()
	return &Response{
		Hits: truncate(hits, opts.MaxResults),
		Charge: &cost.Charge{
			Service:     "jina",
			Description: "search: " + query,
			Cost:        j.rates.JinaSearch() + j.rates.JinaRead(tokens),
			Units:       1,
			UnitType:    "query",
		},
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// Ping reports whether the searcher is configured. It makes no request,
// since every Jina search is billed.
func (j *Jina) Ping(_ context.Context) error {
	if j.client == nil {
		return eris.New("search: jina client not configured")
	}
	return nil
}
