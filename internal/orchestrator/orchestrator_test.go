package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/progress"
)

func newOrchestrator(cfg Config, a Analyzer, opts ...Option) *Orchestrator {
	return New(cfg, a, cost.DefaultRates(), opts...)
}

func execute(t *testing.T, o *Orchestrator, req model.Request) (*Outcome, []model.Envelope) {
	t.Helper()
	run, err := o.Prepare(context.Background(), req)
	require.NoError(t, err)
	rec := &progress.Recorder{}
	out := run.Execute(context.Background(), rec)
	return out, rec.Events()
}

func TestExecute_AllSucceed(t *testing.T) {
	a := &fakeAnalyzer{fn: succeed}
	out, events := execute(t, newOrchestrator(Config{}, a), request("Acme", "Globex"))

	assert.Equal(t, StateCompleted, out.State)
	require.Len(t, out.Results, 2)
	assert.Equal(t, []string{"Acme", "Globex"}, a.called())

	first := events[0]
	assert.Equal(t, model.EventProgress, first.Type)
	assert.Equal(t, float64(progressStarted), first.Progress)

	done := ofType(events, model.EventCompetitorComplete)
	require.Len(t, done, 2)
	assert.Equal(t, "Acme", done[0].Competitor)
	assert.Equal(t, "Globex", done[1].Competitor)
	assert.Empty(t, ofType(events, model.EventCompetitorError))
	assert.NotEmpty(t, ofType(events, model.EventAnalysisDetail))

	last := events[len(events)-1]
	assert.Equal(t, model.EventComplete, last.Type)
	assert.Equal(t, 100.0, last.Progress)
	assert.Contains(t, last.Message, "2/2 competitors analyzed successfully")
	require.Len(t, ofType(events, model.EventComplete), 1)

	prev := 0.0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Progress, prev, "%s went backwards", e.Type)
		prev = e.Progress
	}

	s := out.Summary
	assert.Equal(t, 2, s.TotalCompetitors)
	assert.Equal(t, 2, s.SuccessfulAnalyses)
	assert.Zero(t, s.FailedAnalyses)
	assert.InDelta(t, s.TotalCost/2, s.AverageCostPerCompetitor, 1e-12)
	assert.Equal(t, s.AverageCostPerCompetitor <= 0.20, s.CostTargetMet)
	assert.True(t, s.CostTargetMet)
}

func TestExecute_FinalLedgerMatchesLastCostUpdate(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})
	run, err := o.Prepare(context.Background(), request("Acme", "Globex", "Initrode"))
	require.NoError(t, err)

	rec := &progress.Recorder{}
	out := run.Execute(context.Background(), rec)

	updates := ofType(rec.Events(), model.EventCostUpdate)
	require.NotEmpty(t, updates)
	lastCosts, ok := updates[len(updates)-1].Data.(cost.SessionCosts)
	require.True(t, ok)

	assert.InDelta(t, run.Ledger().Total(), lastCosts.TotalCost, 1e-12)
	assert.InDelta(t, out.Costs.TotalCost, lastCosts.TotalCost, 1e-12)

	var sum float64
	for _, r := range out.Results {
		sum += r.Metadata.TotalCost
	}
	assert.InDelta(t, out.Costs.TotalCost, sum, 1e-12)
}

func TestPrepare_ZeroCompetitors(t *testing.T) {
	a := &fakeAnalyzer{fn: succeed}
	_, err := newOrchestrator(Config{}, a).Prepare(context.Background(), model.Request{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, a.called())
}

func TestPrepare_InvalidFields(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})

	tests := []struct {
		name string
		req  model.Request
	}{
		{"missing name", model.Request{Competitors: []model.Competitor{{Website: "https://acme.io"}}}},
		{"bad website", model.Request{Competitors: []model.Competitor{{Name: "Acme", Website: "not a url"}}}},
		{"website with spaces", model.Request{Competitors: []model.Competitor{{Name: "Acme", Website: "acme .com"}}}},
		{"bad mode", model.Request{Competitors: competitors("Acme"), Options: model.Options{Mode: "turbo"}}},
		{"max docs out of range", model.Request{Competitors: competitors("Acme"), Options: model.Options{MaxDocuments: 99}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Prepare(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPrepare_AcceptsBareDomainWebsite(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})

	for _, site := range []string{"acme.com", "www.acme.co.uk", "https://acme.io/pricing", "3m.com"} {
		t.Run(site, func(t *testing.T) {
			run, err := o.Prepare(context.Background(), model.Request{
				Competitors: []model.Competitor{{Name: "Acme", Website: site}},
			})
			require.NoError(t, err)
			assert.Equal(t, site, run.Request().Competitors[0].Website)
		})
	}
}

func TestInRequestOrder_MissingNameIsMiss(t *testing.T) {
	cached := []model.CompetitorAnalysisResult{
		{Competitor: model.Competitor{Name: "Acme"}},
		{Competitor: model.Competitor{Name: "Globex"}},
	}
	_, ok := inRequestOrder(competitors("Acme", "Initech"), cached)
	assert.False(t, ok)

	_, ok = inRequestOrder(competitors("Acme"), cached)
	assert.False(t, ok)

	out, ok := inRequestOrder(competitors("GLOBEX", "acme"), cached)
	require.True(t, ok)
	assert.Equal(t, "GLOBEX", out[0].Competitor.Name)
	assert.Equal(t, "acme", out[1].Competitor.Name)
}

func TestPrepare_CapsCompetitorList(t *testing.T) {
	names := make([]string, 51)
	for i := range names {
		names[i] = "c" + strings.Repeat("x", i%5) + string(rune('A'+i%26))
	}
	a := &fakeAnalyzer{fn: succeed}
	o := newOrchestrator(Config{MaxCompetitors: 50}, a)

	req := request(names...)
	run, err := o.Prepare(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, run.Request().Competitors, 50)
	assert.Len(t, req.Competitors, 51, "caller's slice is untouched")

	out := run.Execute(context.Background(), &progress.Recorder{})
	assert.Len(t, out.Results, 50)
	assert.Len(t, a.called(), 50)
	assert.Equal(t, names[:50], a.called())
}

func TestPrepare_PreflightFailure(t *testing.T) {
	a := &fakeAnalyzer{fn: succeed, preflightErr: eris.Wrap(pipeline.ErrPreflight, "ai: 401")}

	_, err := newOrchestrator(Config{Preflight: true}, a).Prepare(context.Background(), request("Acme"))
	require.ErrorIs(t, err, pipeline.ErrPreflight)

	_, err = newOrchestrator(Config{}, a).Prepare(context.Background(), request("Acme"))
	require.NoError(t, err, "preflight is opt-in")
}

func TestValidate(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})
	assert.NoError(t, o.Validate(request("Acme")))
	assert.ErrorIs(t, o.Validate(model.Request{}), ErrInvalidRequest)
}

func TestPrepareWithID_KeepsID(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})

	run, err := o.PrepareWithID(context.Background(), "run-42", request("Acme"))
	require.NoError(t, err)
	assert.Equal(t, "run-42", run.ID())

	out := run.Execute(context.Background(), &progress.Recorder{})
	assert.Equal(t, "run-42", out.RunID)
}

func TestExecute_CompetitorFailureIsIsolated(t *testing.T) {
	a := &fakeAnalyzer{fn: failFor("Acme")}
	out, events := execute(t, newOrchestrator(Config{}, a), request("Acme", "Globex"))

	assert.Equal(t, StateCompleted, out.State)
	require.Len(t, out.Results, 2)

	acme := out.Results[0]
	assert.False(t, acme.Metadata.Success)
	assert.Contains(t, acme.FinalReport, "Analysis Failed")
	assert.Contains(t, acme.Metadata.Error, "documents failed to scrape")
	assert.InDelta(t, 0.01, acme.Metadata.TotalCost, 1e-12, "spend before the failure is attributed")
	assert.True(t, out.Results[1].Metadata.Success)

	errs := ofType(events, model.EventCompetitorError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Acme", errs[0].Competitor)
	assert.Len(t, ofType(events, model.EventCompetitorComplete), 1)

	assert.Equal(t, 1, out.Summary.SuccessfulAnalyses)
	assert.Equal(t, 1, out.Summary.FailedAnalyses)
	assert.Contains(t, events[len(events)-1].Message, "1/2")
}

func TestExecute_PerCompetitorEventsInInputOrder(t *testing.T) {
	a := &fakeAnalyzer{fn: failFor("Globex")}
	_, events := execute(t, newOrchestrator(Config{}, a), request("Acme", "Globex", "Initrode", "Umbrella"))

	var terminal []string
	for _, e := range events {
		if e.Type == model.EventCompetitorComplete || e.Type == model.EventCompetitorError {
			terminal = append(terminal, e.Competitor)
		}
	}
	assert.Equal(t, []string{"Acme", "Globex", "Initrode", "Umbrella"}, terminal)
}

func TestExecute_StageProgressMapsIntoBand(t *testing.T) {
	a := &fakeAnalyzer{fn: func(ctx context.Context, l *cost.Ledger, c model.Competitor, on pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		on(pipeline.StageEvent{Stage: model.StageSearch, Percent: 50, Message: "half"})
		return succeed(ctx, l, c, nil)
	}}
	_, events := execute(t, newOrchestrator(Config{}, a), request("Acme", "Globex"))

	var got []float64
	for _, e := range events {
		if e.Message == "half" {
			got = append(got, e.Progress)
		}
	}
	assert.Equal(t, []float64{30, 70}, got)
}

func TestExecute_Timeout(t *testing.T) {
	a := &fakeAnalyzer{fn: func(ctx context.Context, l *cost.Ledger, c model.Competitor, on pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		if c.Name == "Acme" {
			return succeed(ctx, l, c, on)
		}
		return blockUntilCancelled(ctx, l, c, on)
	}}
	o := newOrchestrator(Config{Timeout: 100 * time.Millisecond, ShutdownGrace: 2 * time.Second}, a)

	run, err := o.Prepare(context.Background(), request("Acme", "Globex", "Initrode"))
	require.NoError(t, err)
	rec := &progress.Recorder{}
	out := run.Execute(context.Background(), rec)

	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, StateTimedOut, run.State())
	require.Error(t, out.Err)

	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, model.EventTimeout, last.Type)
	assert.Equal(t, float64(model.ProgressFailed), last.Progress)
	assert.Contains(t, last.Message, "1/3 competitors analyzed successfully")
	assert.Empty(t, ofType(events, model.EventComplete))

	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[0].Metadata.Success)
	for _, r := range out.Results[1:] {
		assert.False(t, r.Metadata.Success)
		assert.Contains(t, r.Metadata.Error, "timed out")
	}
	assert.Equal(t, []string{"Acme", "Globex"}, a.called(), "Initrode never starts")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Events(), len(events), "nothing is emitted after the timeout event")
}

func TestExecute_TimeoutCountsMatchResults(t *testing.T) {
	a := &fakeAnalyzer{fn: func(ctx context.Context, l *cost.Ledger, c model.Competitor, on pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		if c.Name == "Acme" {
			return succeed(ctx, l, c, on)
		}
		// Finishes successfully, but only after the deadline has fired.
		<-ctx.Done()
		return &model.CompetitorAnalysisResult{
			Competitor: c,
			Steps:      pipeline.EmptySteps(),
			Metadata:   model.ResultMetadata{Success: true, Timestamp: time.Now()},
		}, nil
	}}
	o := newOrchestrator(Config{Timeout: 100 * time.Millisecond, ShutdownGrace: 2 * time.Second}, a)

	out, events := execute(t, o, request("Acme", "Globex"))
	require.Equal(t, StateTimedOut, out.State)

	last := events[len(events)-1]
	require.Equal(t, model.EventTimeout, last.Type)
	data, ok := last.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, data["successful"])
	assert.Equal(t, 1, data["processed"])

	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Metadata.Success)
	assert.False(t, out.Results[1].Metadata.Success, "a result arriving after the timeout is discarded")
	assert.Equal(t, 1, out.Summary.SuccessfulAnalyses)
}

func TestExecute_TimeoutGraceExpires(t *testing.T) {
	release := make(chan struct{})
	a := &fakeAnalyzer{fn: func(context.Context, *cost.Ledger, model.Competitor, pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		<-release
		return nil, eris.New("too late")
	}}
	defer close(release)

	o := newOrchestrator(Config{Timeout: 50 * time.Millisecond, ShutdownGrace: 50 * time.Millisecond}, a)
	out, _ := execute(t, o, request("Acme"))

	assert.Equal(t, StateTimedOut, out.State)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "timed out", out.Results[0].Metadata.Error)
}

func TestExecute_CallerDisconnectDetachesButContinues(t *testing.T) {
	callerCtx, disconnect := context.WithCancel(context.Background())
	var workCtxErr error
	a := &fakeAnalyzer{fn: func(ctx context.Context, l *cost.Ledger, c model.Competitor, on pipeline.StageFunc) (*model.CompetitorAnalysisResult, error) {
		if c.Name == "Acme" {
			disconnect()
			time.Sleep(50 * time.Millisecond)
		} else {
			workCtxErr = ctx.Err()
		}
		return succeed(ctx, l, c, on)
	}}

	run, err := newOrchestrator(Config{}, a).Prepare(context.Background(), request("Acme", "Globex"))
	require.NoError(t, err)
	rec := &progress.Recorder{}
	out := run.Execute(callerCtx, rec)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.Summary.SuccessfulAnalyses)
	assert.NoError(t, workCtxErr)
	assert.Empty(t, ofType(rec.Events(), model.EventComplete), "detached consumer gets no further events")
	for _, e := range rec.Events() {
		assert.NotEqual(t, "Globex", e.Competitor)
	}
}

func TestExecute_TransportFailureStopsDelivery(t *testing.T) {
	var sent int
	sink := progress.FuncSink(func(model.Envelope) error {
		sent++
		if sent == 3 {
			return eris.New("broken pipe")
		}
		return nil
	})

	a := &fakeAnalyzer{fn: succeed}
	run, err := newOrchestrator(Config{}, a).Prepare(context.Background(), request("Acme", "Globex"))
	require.NoError(t, err)
	out := run.Execute(context.Background(), sink)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, sent)
	assert.Len(t, a.called(), 2)
}

func TestExecute_PanicInLoopFailsRun(t *testing.T) {
	rec := &progress.Recorder{}
	sink := progress.FuncSink(func(env model.Envelope) error {
		if env.Type == model.EventCompetitorComplete {
			panic("sink exploded")
		}
		return rec.Send(env)
	})

	run, err := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed}).Prepare(context.Background(), request("Acme", "Globex"))
	require.NoError(t, err)
	out := run.Execute(context.Background(), sink)

	assert.Equal(t, StateFailed, out.State)
	require.Error(t, out.Err)
	assert.Len(t, out.Results, 2)

	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Equal(t, float64(model.ProgressFailed), last.Progress)
	assert.Contains(t, last.Message, "/2 competitors analyzed successfully")
}

func TestExecute_OnlyOnce(t *testing.T) {
	run, err := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed}).Prepare(context.Background(), request("Acme"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, run.State())

	run.Execute(context.Background(), &progress.Recorder{})
	again := run.Execute(context.Background(), &progress.Recorder{})
	assert.ErrorIs(t, again.Err, ErrAlreadyStarted)
	assert.Equal(t, StateCompleted, run.State())
}

func TestExecute_ConcurrentRunsHaveSeparateLedgers(t *testing.T) {
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: succeed})

	r1, err := o.Prepare(context.Background(), request("Acme"))
	require.NoError(t, err)
	r2, err := o.Prepare(context.Background(), request("Globex", "Initrode"))
	require.NoError(t, err)

	done := make(chan *Outcome, 2)
	go func() { done <- r1.Execute(context.Background(), &progress.Recorder{}) }()
	go func() { done <- r2.Execute(context.Background(), &progress.Recorder{}) }()
	<-done
	<-done

	assert.Equal(t, 1, r1.Ledger().Snapshot().CallCount)
	assert.Equal(t, 2, r2.Ledger().Snapshot().CallCount)
}

func TestExecute_CacheRoundTrip(t *testing.T) {
	c := newMemCache()
	a := &fakeAnalyzer{fn: succeed}
	o := newOrchestrator(Config{}, a, WithCache(c, time.Hour))

	first, _ := execute(t, o, request("Acme", "Globex"))
	require.False(t, first.Cached)
	assert.Equal(t, 1, c.sets)

	second, events := execute(t, o, request("globex", "ACME"))
	assert.True(t, second.Cached)
	assert.Len(t, a.called(), 2, "cached run does not analyze again")
	assert.Equal(t, first.Summary, second.Summary)
	for _, r := range second.Results {
		assert.True(t, r.Metadata.Cached)
	}
	require.Len(t, second.Results, 2)
	assert.Equal(t, "globex", second.Results[0].Competitor.Name, "results follow the request order and spelling")
	assert.Equal(t, "ACME", second.Results[1].Competitor.Name)
	completes := ofType(events, model.EventCompetitorComplete)
	require.Len(t, completes, 2)
	assert.Equal(t, "globex", completes[0].Competitor)
	assert.Equal(t, "ACME", completes[1].Competitor)
	assert.Equal(t, model.EventComplete, events[len(events)-1].Type)
	assert.Equal(t, 100.0, events[len(events)-1].Progress)

	skip := request("Acme", "Globex")
	skip.Options.SkipCache = true
	third, _ := execute(t, o, skip)
	assert.False(t, third.Cached)
	assert.Len(t, a.called(), 4)
}

func TestExecute_PartialFailureNotCached(t *testing.T) {
	c := newMemCache()
	o := newOrchestrator(Config{}, &fakeAnalyzer{fn: failFor("Acme")}, WithCache(c, time.Hour))
	execute(t, o, request("Acme", "Globex"))
	assert.Zero(t, c.sets)
}

func TestExecute_UnreadableCacheEntryIsIgnored(t *testing.T) {
	c := newMemCache()
	req := request("Acme")
	c.data[CacheKey(req.Competitors, req.BusinessContext, "standard")] = []byte("{not json")

	a := &fakeAnalyzer{fn: succeed}
	out, _ := execute(t, newOrchestrator(Config{}, a, WithCache(c, time.Hour)), req)
	assert.False(t, out.Cached)
	assert.Len(t, a.called(), 1)

	var stored model.RunResult
	require.NoError(t, json.Unmarshal(c.data[CacheKey(req.Competitors, req.BusinessContext, "standard")], &stored))
	assert.Len(t, stored.Results, 1)
}

func TestCacheKey(t *testing.T) {
	bctx := model.BusinessContext{CompanyName: "Initech"}
	k := CacheKey(competitors("Acme", "Globex"), bctx, "standard")

	assert.Len(t, k, 64)
	assert.Equal(t, k, CacheKey(competitors("globex", " ACME "), bctx, "standard"))
	assert.NotEqual(t, k, CacheKey(competitors("Acme", "Globex"), bctx, "deep"))
	assert.NotEqual(t, k, CacheKey(competitors("Acme"), bctx, "standard"))
	assert.NotEqual(t, k, CacheKey(competitors("Acme", "Globex"), model.BusinessContext{CompanyName: "Hooli"}, "standard"))
}

func TestSummarize(t *testing.T) {
	ok := model.CompetitorAnalysisResult{Metadata: model.ResultMetadata{Success: true}}
	bad := model.CompetitorAnalysisResult{}

	tests := []struct {
		name       string
		results    []model.CompetitorAnalysisResult
		total      int
		cost       float64
		wantOK     int
		wantAvg    float64
		wantTarget bool
	}{
		{"two cheap", []model.CompetitorAnalysisResult{ok, ok}, 2, 0.30, 2, 0.15, true},
		{"at target", []model.CompetitorAnalysisResult{ok}, 1, 0.20, 1, 0.20, true},
		{"over target", []model.CompetitorAnalysisResult{ok, bad}, 2, 0.50, 1, 0.25, false},
		{"empty", nil, 0, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.results, tt.total, tt.cost, 2*time.Second, 0.20)
			assert.Equal(t, tt.total, s.TotalCompetitors)
			assert.Equal(t, tt.wantOK, s.SuccessfulAnalyses)
			assert.Equal(t, tt.total-tt.wantOK, s.FailedAnalyses)
			assert.InDelta(t, tt.wantAvg, s.AverageCostPerCompetitor, 1e-12)
			assert.Equal(t, tt.wantTarget, s.CostTargetMet)
			assert.Equal(t, 2.0, s.ElapsedSeconds)
		})
	}
}

func TestState(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, model.RunStatusTimedOut, StateTimedOut.Status())
	assert.Equal(t, model.RunStatusComplete, StateCompleted.Status())
	assert.Equal(t, model.RunStatusRunning, StateRunning.Status())
	assert.True(t, StateFailed.Status().IsTerminal())
}
