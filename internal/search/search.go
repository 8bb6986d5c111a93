// Package search adapts web search providers to the search collaborator
// contract used by the pipeline.
package search

import (
	"context"

	"github.com/sells-group/compete-cli/internal/cost"
)

// Options tunes a single query.
type Options struct {
	MaxResults int
	// Site restricts results to one domain.
	Site string
	// Recency limits results to "day", "week", "month" or "year", where the
	// provider supports it.
	Recency string
}

// Hit is one search result.
type Hit struct {
	Title     string
	URL       string
	Snippet   string
	Published string
}

// Response is the result of one query with its billed cost.
type Response struct {
	Hits   []Hit
	Charge *cost.Charge
}

// Searcher is a search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, opts Options) (*Response, error)
	// Name identifies the provider and is used as the hit source.
	Name() string
}

func truncate(hits []Hit, max int) []Hit {
	if max > 0 && len(hits) > max {
		return hits[:max]
	}
	return hits
}
