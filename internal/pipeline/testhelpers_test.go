package pipeline

import (
	"errors"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/scrape"
	"github.com/sells-group/compete-cli/internal/search"
)

var acme = model.Competitor{Name: "Acme", Website: "https://acme.io"}

var bctx = model.BusinessContext{
	CompanyName:  "Initech",
	Industry:     "workflow automation",
	TargetMarket: "mid-market finance teams",
	KeyProducts:  []string{"approvals"},
}

func aiText(text string, in, out int) *llm.Response {
	return &llm.Response{Text: text, Model: "claude-haiku-4-5-20251001", Usage: cost.TokenUsage{InputTokens: in, OutputTokens: out}}
}

func hitsResponse(urls ...string) *search.Response {
	resp := &search.Response{Charge: &cost.Charge{Service: "jina", Description: "search", Cost: 0.01, Units: 1, UnitType: "query"}}
	for _, u := range urls {
		resp.Hits = append(resp.Hits, search.Hit{Title: "Acme " + u, URL: u, Snippet: "about Acme"})
	}
	return resp
}

func allOK(urls []string) []scrape.Outcome {
	out := make([]scrape.Outcome, len(urls))
	for i, u := range urls {
		out[i] = scrape.Outcome{URL: u, Result: &scrape.Result{
			Page:   scrape.Page{URL: u, Title: "Page " + u, Markdown: "content of " + u},
			Source: "jina",
			Charge: &cost.Charge{Service: "jina", Description: "read", Cost: 0.001, Units: 50, UnitType: "tokens"},
		}}
	}
	return out
}

func allFail(urls []string) []scrape.Outcome {
	out := make([]scrape.Outcome, len(urls))
	for i, u := range urls {
		out[i] = scrape.Outcome{URL: u, Err: errors.New("blocked (cloudflare)")}
	}
	return out
}

// recorder collects stage events.
type recorder struct {
	events []StageEvent
}

func (r *recorder) fn(e StageEvent) { r.events = append(r.events, e) }

func (r *recorder) stages() []model.Stage {
	var out []model.Stage
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Stage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (r *recorder) details() int {
	n := 0
	for _, e := range r.events {
		if e.Detail != nil {
			n++
		}
	}
	return n
}
