package scrape

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/pkg/firecrawl"
)

// FirecrawlAdapter wraps a Firecrawl client as a Scraper for single-page scrapes.
type FirecrawlAdapter struct {
	client firecrawl.Client
	rates  cost.Rates
}

// NewFirecrawlAdapter creates a FirecrawlAdapter from a Firecrawl client.
func NewFirecrawlAdapter(client firecrawl.Client, rates cost.Rates) *FirecrawlAdapter {
	return &FirecrawlAdapter{client: client, rates: rates}
}

// Name implements Scraper.
func (f *FirecrawlAdapter) Name() string { return "firecrawl" }

// Supports returns true; Firecrawl can attempt any URL as a last resort.
func (f *FirecrawlAdapter) Supports(_ string) bool { return true }

// Scrape fetches a single URL via Firecrawl's scrape API. One page costs
// one credit.
func (f *FirecrawlAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             targetURL,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.New("firecrawl: scrape not successful")
	}
	if resp.Data.Markdown == "" {
		return nil, eris.Errorf("firecrawl: no content for %s", targetURL)
	}
	return pageResult(targetURL, resp.Data, f.rates.FirecrawlCredit()), nil
}

func pageResult(requested string, d firecrawl.PageData, creditCost float64) *Result {
	pageURL := d.PageURL()
	if pageURL == "" {
		pageURL = requested
	}
	return &Result{
		Page: Page{
			URL:        pageURL,
			Title:      d.PageTitle(),
			Markdown:   d.Markdown,
			StatusCode: d.PageStatus(),
		},
		Source: "firecrawl",
		Charge: &cost.Charge{
			Service:     "firecrawl",
			Description: "scrape: " + requested,
			Cost:        creditCost,
			Units:       1,
			UnitType:    "credit",
		},
	}
}
