package pipeline

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/search"
)

// executeSearch runs every query in order. A failed query is logged and
// skipped; the stage fails only when every query fails. Hits are
// de-duplicated by URL, first occurrence wins, and ranked in arrival order.
func (r *run) executeSearch(queries []model.SearchQuery) ([]model.SearchHit, error) {
	if len(queries) == 0 {
		r.report(model.StageSearch, 100, "No queries to run", nil)
		return nil, nil
	}

	var (
		hits     []model.SearchHit
		seen     = make(map[string]bool)
		failures int
		lastErr  error
	)
	n := len(queries)
	for i, q := range queries {
		r.report(model.StageSearch, float64(i)/float64(n)*100,
			fmt.Sprintf("Searching (%d/%d): %s", i+1, n, q.Query), nil)

		if err := r.ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: search cancelled")
		}

		searcher, opts := r.searcherFor(q)
		resp, err := resilience.GuardVal("search", func() (*search.Response, error) {
			return searcher.Search(r.ctx, q.Query, opts)
		})
		if err != nil {
			failures++
			lastErr = err
			r.log.Warn("pipeline: search query failed",
				zap.String("query", q.Query),
				zap.String("searcher", searcher.Name()),
				zap.Error(err),
			)
			continue
		}
		r.ledger.TrackCharge(resp.Charge)

		for _, h := range resp.Hits {
			key := normalizeURL(h.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, model.SearchHit{
				Query:   q.Query,
				Title:   h.Title,
				URL:     h.URL,
				Snippet: h.Snippet,
				Source:  searcher.Name(),
				Rank:    len(hits),
			})
		}
	}

	if failures == n {
		return nil, eris.Wrapf(lastErr, "pipeline: all %d search queries failed", n)
	}

	r.report(model.StageSearch, 100, fmt.Sprintf("Found %d unique results", len(hits)), hits)
	return hits, nil
}

func (r *run) searcherFor(q model.SearchQuery) (search.Searcher, search.Options) {
	opts := search.Options{MaxResults: r.p.cfg.ResultsPerQuery}
	if !q.News {
		return r.p.search, opts
	}
	opts.Recency = r.p.cfg.NewsRecency
	if r.p.news != nil {
		return r.p.news, opts
	}
	return r.p.search, opts
}

// normalizeURL is the de-duplication key for a URL: lower-cased host,
// no fragment, no trailing slash. Unparseable and non-HTTP URLs return "".
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	key := host + strings.TrimSuffix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
