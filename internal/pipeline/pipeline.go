// Package pipeline runs the five-stage analysis of a single competitor:
// query generation, search, URL prioritization, content scraping and report
// synthesis.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/scrape"
	"github.com/sells-group/compete-cli/internal/search"
)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	MaxQueries        int    `mapstructure:"max_queries"`
	ResultsPerQuery   int    `mapstructure:"results_per_query"`
	MaxDocuments      int    `mapstructure:"max_documents"`
	ScrapeConcurrency int    `mapstructure:"scrape_concurrency"`
	MaxDocumentChars  int    `mapstructure:"max_document_chars"`
	QueryMaxTokens    int    `mapstructure:"query_max_tokens"`
	ReportMaxTokens   int    `mapstructure:"report_max_tokens"`
	NewsRecency       string `mapstructure:"news_recency"`
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		MaxQueries:        6,
		ResultsPerQuery:   8,
		MaxDocuments:      8,
		ScrapeConcurrency: 4,
		MaxDocumentChars:  12000,
		QueryMaxTokens:    1024,
		ReportMaxTokens:   4096,
		NewsRecency:       "month",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueries <= 0 {
		c.MaxQueries = def.MaxQueries
	}
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = def.ResultsPerQuery
	}
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = def.MaxDocuments
	}
	if c.ScrapeConcurrency <= 0 {
		c.ScrapeConcurrency = def.ScrapeConcurrency
	}
	if c.MaxDocumentChars <= 0 {
		c.MaxDocumentChars = def.MaxDocumentChars
	}
	if c.QueryMaxTokens <= 0 {
		c.QueryMaxTokens = def.QueryMaxTokens
	}
	if c.ReportMaxTokens <= 0 {
		c.ReportMaxTokens = def.ReportMaxTokens
	}
	if c.NewsRecency == "" {
		c.NewsRecency = def.NewsRecency
	}
	return c
}

// Scraper fetches many URLs and returns one outcome per URL in input order.
type Scraper interface {
	ScrapeAll(ctx context.Context, urls []string, maxConcurrent int) []scrape.Outcome
}

// StageEvent is reported when a stage starts and as it advances.
type StageEvent struct {
	Stage model.Stage
	// StagePercent is progress within the stage, 0-100.
	StagePercent float64
	// Percent is progress across the whole competitor, 0-100.
	Percent float64
	Message string
	// Detail is the stage's structured output. A non-nil Detail is
	// forwarded as an analysis_detail event.
	Detail any
}

// StageFunc receives stage events synchronously on the pipeline goroutine.
type StageFunc func(StageEvent)

// stageWeights is each stage's share of a competitor's progress, in
// execution order.
var stageWeights = map[model.Stage][2]float64{
	model.StageQueryGeneration: {0, 10},
	model.StageSearch:          {10, 30},
	model.StagePrioritization:  {30, 40},
	model.StageScraping:        {40, 75},
	model.StageSynthesis:       {75, 100},
}

// Pipeline analyzes one competitor at a time. It is safe for concurrent use
// as long as each call gets its own ledger.
type Pipeline struct {
	cfg     Config
	ai      llm.Client
	search  search.Searcher
	news    search.Searcher
	scraper Scraper
	now     func() time.Time
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithNews sets the searcher used for news queries. Without it, news
// queries go to the main searcher with a recency filter.
func WithNews(s search.Searcher) Option {
	return func(p *Pipeline) { p.news = s }
}

// WithScraper sets the content scraper. Without it, stage 4 is skipped.
func WithScraper(s Scraper) Option {
	return func(p *Pipeline) { p.scraper = s }
}

// New creates a Pipeline.
func New(cfg Config, ai llm.Client, searcher search.Searcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg.withDefaults(),
		ai:     ai,
		search: searcher,
		now:    time.Now,
	}
	for _, fn := range opts {
		fn(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// run carries the state of one Analyze call.
type run struct {
	p       *Pipeline
	ctx     context.Context
	ledger  *cost.Ledger
	comp    model.Competitor
	bctx    model.BusinessContext
	opts    model.Options
	onStage StageFunc
	log     *zap.Logger
}

func (r *run) report(stage model.Stage, stagePct float64, msg string, detail any) {
	if r.onStage == nil {
		return
	}
	w := stageWeights[stage]
	pct := w[0] + (w[1]-w[0])*clampPct(stagePct)/100
	r.onStage(StageEvent{
		Stage:        stage,
		StagePercent: stagePct,
		Percent:      pct,
		Message:      msg,
		Detail:       detail,
	})
}

// deep mode doubles the query and document budgets.
func (r *run) deep() bool { return r.opts.ModeOrDefault() == "deep" }

func (r *run) maxQueries() int {
	if r.deep() {
		return r.p.cfg.MaxQueries * 2
	}
	return r.p.cfg.MaxQueries
}

func (r *run) maxDocuments() int {
	if r.opts.MaxDocuments > 0 {
		return r.opts.MaxDocuments
	}
	if r.deep() {
		return r.p.cfg.MaxDocuments * 2
	}
	return r.p.cfg.MaxDocuments
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Analyze runs all five stages for comp and returns its result. Every AI
// call and every billed search or scrape is recorded on ledger. The first
// unrecoverable stage failure is returned as the error; no stage is retried.
func (p *Pipeline) Analyze(ctx context.Context, ledger *cost.Ledger, comp model.Competitor, bctx model.BusinessContext, opts model.Options, onStage StageFunc) (*model.CompetitorAnalysisResult, error) {
	if ledger == nil {
		return nil, eris.New("pipeline: ledger is required")
	}
	r := &run{
		p:       p,
		ctx:     ctx,
		ledger:  ledger,
		comp:    comp,
		bctx:    bctx,
		opts:    opts,
		onStage: onStage,
		log:     zap.L().With(zap.String("competitor", comp.Name)),
	}

	start := p.now()
	costBefore := ledger.Total()
	r.log.Info("pipeline: starting analysis", zap.String("mode", opts.ModeOrDefault()))

	var steps model.StepResults

	queries, err := r.generateQueries()
	if err != nil {
		return nil, r.fail(model.StageQueryGeneration, err)
	}
	steps.Queries = queries

	if opts.SkipSearch {
		r.report(model.StageSearch, 100, "Search skipped", nil)
		r.report(model.StagePrioritization, 100, "Prioritization skipped", nil)
		r.report(model.StageScraping, 100, "Scraping skipped", nil)
	} else {
		hits, err := r.executeSearch(queries)
		if err != nil {
			return nil, r.fail(model.StageSearch, err)
		}
		steps.SearchResults = hits

		r.report(model.StagePrioritization, 0, "Prioritizing sources", nil)
		steps.PrioritizedURLs = Prioritize(comp, bctx, hits, r.maxDocuments())
		r.report(model.StagePrioritization, 100,
			"Selected sources", steps.PrioritizedURLs)

		if opts.SkipScraping || p.scraper == nil {
			r.report(model.StageScraping, 100, "Scraping skipped", nil)
		} else {
			docs, err := r.scrapeDocuments(steps.PrioritizedURLs)
			if err != nil {
				return nil, r.fail(model.StageScraping, err)
			}
			steps.Documents = docs
		}
	}

	report, err := r.synthesize(steps)
	if err != nil {
		return nil, r.fail(model.StageSynthesis, err)
	}

	elapsed := p.now().Sub(start)
	result := &model.CompetitorAnalysisResult{
		Competitor:  comp,
		Steps:       steps,
		FinalReport: report,
		Metadata: model.ResultMetadata{
			TotalCost:  ledger.Total() - costBefore,
			Timestamp:  p.now(),
			Success:    true,
			DurationMs: elapsed.Milliseconds(),
		},
	}
	r.log.Info("pipeline: analysis complete",
		zap.Int("queries", len(steps.Queries)),
		zap.Int("hits", len(steps.SearchResults)),
		zap.Int("documents", len(steps.Documents)),
		zap.Float64("cost", result.Metadata.TotalCost),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// StageError reports which stage failed.
type StageError struct {
	Stage model.Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

func (r *run) fail(stage model.Stage, err error) error {
	r.log.Error("pipeline: stage failed", zap.String("stage", string(stage)), zap.Error(err))
	return &StageError{Stage: stage, Err: err}
}

// complete runs one AI call with an in-flight estimate beforehand and usage
// recorded afterwards, including for empty completions.
func (r *run) complete(req llm.Request) (*llm.Response, error) {
	est := llm.EstimateTokens(req.System, req.Prompt)
	r.ledger.EstimateCost(r.p.ai.Model(), est, req.MaxTokens)

	resp, err := resilience.GuardVal(req.Operation, func() (*llm.Response, error) {
		return r.p.ai.Complete(r.ctx, req)
	})
	if resp != nil {
		used := resp.Model
		if used == "" {
			used = r.p.ai.Model()
		}
		r.ledger.TrackUsage(used, resp.Usage)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
