package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/scrape"
)

// scrapeDocuments fetches the prioritized URLs. A failed fetch becomes a
// document with Success=false; the stage fails only when every URL fails.
func (r *run) scrapeDocuments(urls []model.PrioritizedURL) ([]model.ScrapedDocument, error) {
	if len(urls) == 0 {
		r.report(model.StageScraping, 100, "No sources to fetch", nil)
		return nil, nil
	}
	r.report(model.StageScraping, 0, fmt.Sprintf("Fetching %d sources", len(urls)), nil)

	targets := make([]string, len(urls))
	for i, u := range urls {
		targets[i] = u.URL
	}

	outcomes, err := resilience.GuardVal("scrape", func() ([]scrape.Outcome, error) {
		return r.p.scraper.ScrapeAll(r.ctx, targets, r.p.cfg.ScrapeConcurrency), nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: scrape")
	}
	if len(outcomes) != len(targets) {
		return nil, eris.Errorf("pipeline: scraper returned %d outcomes for %d urls", len(outcomes), len(targets))
	}

	docs := make([]model.ScrapedDocument, len(outcomes))
	ok := 0
	var lastErr error
	for i, o := range outcomes {
		doc := model.ScrapedDocument{URL: targets[i], Title: urls[i].Title}
		if o.OK() {
			doc.Content = o.Result.Page.Markdown
			doc.Source = o.Result.Source
			doc.Success = true
			if o.Result.Page.Title != "" {
				doc.Title = o.Result.Page.Title
			}
			r.ledger.TrackCharge(o.Result.Charge)
			ok++
		} else {
			err := o.Err
			if err == nil {
				err = eris.New("no content")
			}
			doc.Error = err.Error()
			lastErr = err
			r.log.Debug("pipeline: document fetch failed", zap.String("url", targets[i]), zap.Error(err))
		}
		docs[i] = doc
	}

	if ok == 0 {
		return nil, eris.Wrapf(lastErr, "pipeline: all %d documents failed to scrape", len(docs))
	}

	r.report(model.StageScraping, 100, fmt.Sprintf("Fetched %d/%d sources", ok, len(docs)), docSummaries(docs))
	return docs, nil
}

// docSummary is the analysis_detail payload for one document; content is
// left out to keep events small.
type docSummary struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Source  string `json:"source,omitempty"`
	Success bool   `json:"success"`
	Chars   int    `json:"chars"`
	Error   string `json:"error,omitempty"`
}

func docSummaries(docs []model.ScrapedDocument) []docSummary {
	out := make([]docSummary, len(docs))
	for i, d := range docs {
		out[i] = docSummary{
			URL:     d.URL,
			Title:   d.Title,
			Source:  d.Source,
			Success: d.Success,
			Chars:   len(d.Content),
			Error:   d.Error,
		}
	}
	return out
}
