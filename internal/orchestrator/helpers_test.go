package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/pipeline"
)

type analyzeFunc func(ctx context.Context, ledger *cost.Ledger, comp model.Competitor, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error)

// fakeAnalyzer records the competitors it was asked to analyze.
type fakeAnalyzer struct {
	fn           analyzeFunc
	preflightErr error

	mu    sync.Mutex
	names []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, ledger *cost.Ledger, comp model.Competitor, _ model.BusinessContext, _ model.Options, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
	f.mu.Lock()
	f.names = append(f.names, comp.Name)
	f.mu.Unlock()
	return f.fn(ctx, ledger, comp, onStage)
}

func (f *fakeAnalyzer) Preflight(context.Context) ([]pipeline.ServiceCheck, error) {
	return nil, f.preflightErr
}

func (f *fakeAnalyzer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

// succeed walks every stage, charges one AI call and one search, and
// returns a successful result.
func succeed(_ context.Context, ledger *cost.Ledger, comp model.Competitor, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
	before := ledger.Total()
	for i, st := range model.Stages() {
		pct := float64(i+1) * 20
		if onStage != nil {
			var detail any
			if st == model.StageSearch {
				detail = []string{"https://" + comp.Name + ".example"}
			}
			onStage(pipeline.StageEvent{Stage: st, StagePercent: 100, Percent: pct, Message: string(st) + " done", Detail: detail})
		}
	}
	ledger.TrackUsage("claude-haiku-4-5-20251001", cost.TokenUsage{InputTokens: 1000, OutputTokens: 500})
	ledger.TrackExternalAPICost("jina", "search", 0.01, 1, "query")

	return &model.CompetitorAnalysisResult{
		Competitor:  comp,
		Steps:       pipeline.EmptySteps(),
		FinalReport: "# " + comp.Name,
		Metadata: model.ResultMetadata{
			TotalCost: ledger.Total() - before,
			Timestamp: time.Now(),
			Success:   true,
		},
	}, nil
}

// failFor fails the named competitor at the scraping stage.
func failFor(name string) analyzeFunc {
	return func(ctx context.Context, ledger *cost.Ledger, comp model.Competitor, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		if comp.Name == name {
			ledger.TrackExternalAPICost("jina", "search", 0.01, 1, "query")
			return nil, &pipeline.StageError{Stage: model.StageScraping, Err: eris.New("pipeline: all 3 documents failed to scrape")}
		}
		return succeed(ctx, ledger, comp, onStage)
	}
}

// blockUntilCancelled never finishes on its own.
func blockUntilCancelled(ctx context.Context, _ *cost.Ledger, _ model.Competitor, _ pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func competitors(names ...string) []model.Competitor {
	out := make([]model.Competitor, len(names))
	for i, n := range names {
		out[i] = model.Competitor{Name: n}
	}
	return out
}

func request(names ...string) model.Request {
	return model.Request{
		Competitors:     competitors(names...),
		BusinessContext: model.BusinessContext{CompanyName: "Initech", Industry: "workflow automation"},
	}
}

func ofType(events []model.Envelope, t model.EventType) []model.Envelope {
	var out []model.Envelope
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memCache is an in-memory cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.sets++
	return nil
}

func (m *memCache) Purge(context.Context) (int, error) { return 0, nil }
func (m *memCache) Close() error                       { return nil }
