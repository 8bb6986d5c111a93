package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/store"
)

// stubAnalyzer succeeds for every competitor except those named in fail.
type stubAnalyzer struct {
	fail         map[string]bool
	preflightErr error
}

func (a *stubAnalyzer) Analyze(_ context.Context, ledger *cost.Ledger, comp model.Competitor, _ model.BusinessContext, _ model.Options, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
	ledger.TrackExternalAPICost("jina", "search", 0.01, 1, "query")
	if a.fail[comp.Name] {
		return nil, &pipeline.StageError{Stage: model.StageSearch, Err: eris.New("pipeline: all 2 search queries failed")}
	}
	if onStage != nil {
		onStage(pipeline.StageEvent{Stage: model.StageSynthesis, StagePercent: 100, Percent: 100, Message: "report ready"})
	}
	return &model.CompetitorAnalysisResult{
		Competitor:  comp,
		Steps:       pipeline.EmptySteps(),
		FinalReport: "# " + comp.Name + "\n\n| Area | Notes |\n|---|---|\n| Pricing | Tiered |\n",
		Metadata: model.ResultMetadata{
			TotalCost: 0.01,
			Timestamp: time.Now(),
			Success:   true,
		},
	}, nil
}

func (a *stubAnalyzer) Preflight(context.Context) ([]pipeline.ServiceCheck, error) {
	check := pipeline.ServiceCheck{Service: "ai", Provider: "stub", OK: a.preflightErr == nil}
	if a.preflightErr != nil {
		check.Error = a.preflightErr.Error()
	}
	return []pipeline.ServiceCheck{check}, a.preflightErr
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "compete.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRunService(t *testing.T, a *stubAnalyzer, cfg orchestrator.Config) *runService {
	t.Helper()
	return &runService{
		store: newTestStore(t),
		orch:  orchestrator.New(cfg, a, cost.DefaultRates()),
	}
}

func newTestServer(t *testing.T, a *stubAnalyzer, cfg orchestrator.Config) *server {
	t.Helper()
	svc := newTestRunService(t, a, cfg)
	return &server{
		runs:          svc,
		store:         svc.store,
		preflight:     a.Preflight,
		breakers:      resilience.NewServiceBreakers(resilience.DefaultBreakerConfig()),
		lookbackHours: 24,
	}
}

func testRequest(names ...string) model.Request {
	comps := make([]model.Competitor, len(names))
	for i, n := range names {
		comps[i] = model.Competitor{Name: n}
	}
	return model.Request{
		Competitors:     comps,
		BusinessContext: model.BusinessContext{CompanyName: "Initech", Industry: "software"},
	}
}
