package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/model"
)

// generateQueries asks the AI for search queries. Output that cannot be
// parsed falls back to templated queries; a failed AI call fails the stage.
func (r *run) generateQueries() ([]model.SearchQuery, error) {
	r.report(model.StageQueryGeneration, 0, "Generating search queries for "+r.comp.Name, nil)

	limit := r.maxQueries()
	resp, err := r.complete(llm.Request{
		System:    querySystemPrompt,
		Prompt:    queryPrompt(r.comp, r.bctx, limit),
		MaxTokens: r.p.cfg.QueryMaxTokens,
		Operation: "generate_queries",
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: generate queries")
	}

	queries := parseQueries(resp.Text)
	if len(queries) == 0 {
		r.log.Warn("pipeline: unparseable query output, using templates",
			zap.Int("chars", len(resp.Text)))
		queries = templateQueries(r.comp, r.bctx)
	}
	queries = dedupeQueries(queries, limit)

	if r.opts.IncludeNews {
		queries = append(queries, model.SearchQuery{
			Query:   r.comp.Name + " news announcements",
			Purpose: "recent news",
			News:    true,
		})
	}

	r.report(model.StageQueryGeneration, 100, "Generated search queries", queries)
	return queries, nil
}

// parseQueries extracts the first JSON array from text. Elements may be
// strings or objects with a "query" field.
func parseQueries(text string) []model.SearchQuery {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}

	var out []model.SearchQuery
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, model.SearchQuery{Query: s})
			continue
		}
		var q model.SearchQuery
		if err := json.Unmarshal(item, &q); err == nil {
			q.News = false
			out = append(out, q)
		}
	}
	return out
}

// templateQueries builds deterministic queries from the competitor and
// business context.
func templateQueries(c model.Competitor, bc model.BusinessContext) []model.SearchQuery {
	name := c.Name
	qs := []model.SearchQuery{
		{Query: name + " pricing plans", Purpose: "pricing"},
		{Query: name + " products features", Purpose: "products"},
		{Query: name + " customers case studies", Purpose: "customers"},
		{Query: name + " reviews", Purpose: "reputation"},
		{Query: name + " funding revenue employees", Purpose: "company profile"},
	}
	if bc.Industry != "" {
		qs = append(qs, model.SearchQuery{Query: name + " " + bc.Industry + " market position", Purpose: "market position"})
	}
	if bc.CompanyName != "" {
		qs = append(qs, model.SearchQuery{Query: name + " vs " + bc.CompanyName, Purpose: "head to head"})
	}
	return qs
}

func dedupeQueries(qs []model.SearchQuery, limit int) []model.SearchQuery {
	seen := make(map[string]bool, len(qs))
	out := make([]model.SearchQuery, 0, len(qs))
	for _, q := range qs {
		q.Query = strings.TrimSpace(q.Query)
		key := strings.ToLower(q.Query)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
