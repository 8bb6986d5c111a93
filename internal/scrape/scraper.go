// Package scrape fetches competitor pages through a chain of scrapers:
// plain HTTP first, then Jina Reader, then Firecrawl.
package scrape

import (
	"context"

	"github.com/sells-group/compete-cli/internal/cost"
)

// Page is the fetched content of one URL, as markdown.
type Page struct {
	URL        string
	Title      string
	Markdown   string
	StatusCode int
}

// Result holds a scraped page with its source and what it cost.
type Result struct {
	Page   Page
	Source string // e.g. "local_http", "jina", "firecrawl"
	// Charge is nil for free sources.
	Charge *cost.Charge
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}
