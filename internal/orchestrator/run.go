package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/progress"
	"github.com/sells-group/compete-cli/internal/resilience"
)

// State is the lifecycle state of a Run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status maps the state onto the persisted run status.
func (s State) Status() model.RunStatus {
	switch s {
	case StateCompleted:
		return model.RunStatusComplete
	case StateTimedOut:
		return model.RunStatusTimedOut
	case StateFailed:
		return model.RunStatusFailed
	case StateIdle:
		return model.RunStatusQueued
	}
	return model.RunStatusRunning
}

const (
	progressStarted    = 5
	progressBandStart  = 10
	progressBandWidth  = 80
	progressFinalizing = 95

	timedOutReason = "timed out"
	abortedReason  = "run aborted"
)

// Run is one prepared batch. Execute may be called once.
type Run struct {
	id     string
	o      *Orchestrator
	req    model.Request
	ledger *cost.Ledger
	log    *zap.Logger

	mu    sync.Mutex
	state State
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Request returns the validated, capped request.
func (r *Run) Request() model.Request { return r.req }

// Ledger returns the run's cost ledger.
func (r *Run) Ledger() *cost.Ledger { return r.ledger }

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// Outcome is the result of executing a Run. Results hold one entry per
// competitor in input order, whatever the final state.
type Outcome struct {
	RunID   string
	State   State
	Summary model.Summary
	Results []model.CompetitorAnalysisResult
	Costs   cost.SessionCosts
	Cached  bool
	Err     error
}

// RunResult converts the outcome to its persisted form.
func (o *Outcome) RunResult() *model.RunResult {
	return &model.RunResult{Summary: o.Summary, Results: o.Results, Costs: o.Costs}
}

// batch is the result list shared by the processing goroutine and the
// supervisor. Once sealed, late results are discarded.
type batch struct {
	mu         sync.Mutex
	results    []model.CompetitorAnalysisResult
	successful int
	sealed     bool
}

func (b *batch) add(res model.CompetitorAnalysisResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.results = append(b.results, res)
	if res.Metadata.Success {
		b.successful++
	}
	return true
}

func (b *batch) seal() ([]model.CompetitorAnalysisResult, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return append([]model.CompetitorAnalysisResult(nil), b.results...), b.successful
}

// Execute runs the batch, streaming events to sink. The channel is closed
// exactly once, by the complete, timeout or error event.
//
// Cancelling ctx detaches the sink but does not stop the work; only the
// run deadline does. When the deadline fires, in-flight collaborator calls
// are cancelled and competitors that never finished get "timed out"
// records.
func (r *Run) Execute(ctx context.Context, sink progress.Sink) *Outcome {
	if !r.transition(StateIdle, StateRunning) {
		return &Outcome{RunID: r.id, State: StateFailed, Err: ErrAlreadyStarted}
	}

	ch := progress.NewChannel(sink)
	stopDetach := context.AfterFunc(ctx, ch.Detach)
	defer stopDetach()

	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	start := r.o.now()
	r.ledger.Reset()
	unsubscribe := r.ledger.Subscribe(func(s cost.SessionCosts) {
		ch.Emit(model.CostUpdateEvent{Costs: s})
	})
	defer unsubscribe()

	n := len(r.req.Competitors)
	r.log.Info("orchestrator: run started",
		zap.Int("competitors", n),
		zap.String("mode", r.req.Options.ModeOrDefault()),
	)
	ch.Emit(model.ProgressEvent{
		Progress: progressStarted,
		Message:  fmt.Sprintf("Starting analysis of %d competitors", n),
	})

	if out := r.replayCached(work, ch, unsubscribe); out != nil {
		r.setState(out.State)
		return out
	}

	b := &batch{}
	done := make(chan error, 1)
	go func() {
		done <- resilience.Guard("orchestrator", func() error {
			r.process(work, ch, b)
			return nil
		})
	}()

	timer := time.NewTimer(r.o.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return r.fail(ch, b, start, err)
		}
		return r.complete(work, ch, b, start, unsubscribe)
	case <-timer.C:
		return r.timeout(ch, b, start, cancel, done)
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// process runs the competitors strictly in order.
func (r *Run) process(ctx context.Context, ch *progress.Channel, b *batch) {
	n := len(r.req.Competitors)
	for i, comp := range r.req.Competitors {
		if ctx.Err() != nil {
			return
		}

		lo, hi := band(i, n)
		ch.Emit(model.ProgressEvent{
			Progress:   lo,
			Message:    fmt.Sprintf("Analyzing %s (%d/%d)", comp.Name, i+1, n),
			Competitor: comp.Name,
		})

		onStage := func(e pipeline.StageEvent) {
			pct := lo + (hi-lo)*e.Percent/100
			ch.Emit(model.ProgressEvent{
				Progress:   pct,
				Message:    e.Message,
				Competitor: comp.Name,
				Stage:      e.Stage,
			})
			if e.Detail != nil {
				ch.Emit(model.AnalysisDetailEvent{
					Progress:   pct,
					Message:    e.Message,
					Competitor: comp.Name,
					Stage:      e.Stage,
					Detail:     e.Detail,
				})
			}
		}

		started := r.o.now()
		before := r.ledger.Total()
		res, err := resilience.GuardVal("analyze", func() (*model.CompetitorAnalysisResult, error) {
			return r.o.analyzer.Analyze(ctx, r.ledger, comp, r.req.BusinessContext, r.req.Options, onStage)
		})
		if err == nil && res == nil {
			err = eris.New("orchestrator: analyzer returned no result")
		}

		if err != nil {
			if ctx.Err() != nil {
				err = eris.Wrap(err, timedOutReason)
			}
			failed := pipeline.FailedResult(comp, err, r.o.now(), r.o.now().Sub(started), r.ledger.Total()-before)
			if !b.add(failed) {
				return
			}
			r.log.Warn("orchestrator: competitor failed",
				zap.String("competitor", comp.Name),
				zap.Error(err),
			)
			ch.Emit(model.CompetitorErrorEvent{
				Progress: hi,
				Result:   failed,
				Err:      err.Error(),
				Index:    i,
				Total:    n,
			})
			continue
		}

		if !b.add(*res) {
			return
		}
		ch.Emit(model.CompetitorCompleteEvent{
			Progress:        hi,
			Result:          *res,
			IncrementalCost: res.Metadata.TotalCost,
			Index:           i,
			Total:           n,
		})
	}
}

// band returns the progress range of competitor i of n.
func band(i, n int) (lo, hi float64) {
	w := float64(progressBandWidth) / float64(n)
	return progressBandStart + float64(i)*w, progressBandStart + float64(i+1)*w
}

func (r *Run) complete(ctx context.Context, ch *progress.Channel, b *batch, start time.Time, unsubscribe func()) *Outcome {
	results, successful := b.seal()
	n := len(r.req.Competitors)

	ch.Emit(model.ProgressEvent{Progress: progressFinalizing, Message: "Finalizing analysis"})
	costs := r.ledger.Snapshot()
	summary := Summarize(results, n, costs.TotalCost, r.o.now().Sub(start), r.o.cfg.CostTarget)
	unsubscribe()

	ch.Close(model.CompleteEvent{
		Message: "Analysis complete: " + model.CountMessage(successful, n),
		Summary: summary,
		Results: results,
		Costs:   costs,
	})
	r.setState(StateCompleted)

	out := &Outcome{RunID: r.id, State: StateCompleted, Summary: summary, Results: results, Costs: costs}
	if successful == n {
		r.storeCached(ctx, out)
	}
	r.log.Info("orchestrator: run complete",
		zap.Int("successful", successful),
		zap.Int("total", n),
		zap.Float64("cost", costs.TotalCost),
		zap.Bool("consumer_detached", ch.Detached()),
	)
	return out
}

func (r *Run) timeout(ch *progress.Channel, b *batch, start time.Time, cancel context.CancelFunc, done <-chan error) *Outcome {
	n := len(r.req.Competitors)
	sealed, successful := b.seal()
	processed := len(sealed)

	ch.Close(model.TimeoutEvent{
		Message: fmt.Sprintf("Analysis timed out after %s: %s",
			r.o.cfg.Timeout, model.CountMessage(successful, n)),
		Successful: successful,
		Processed:  processed,
		Total:      n,
	})
	r.setState(StateTimedOut)
	cancel()

	grace := time.NewTimer(r.o.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		r.log.Warn("orchestrator: in-flight work did not stop within grace period",
			zap.Duration("grace", r.o.cfg.ShutdownGrace))
	}

	results := r.fillMissing(b, timedOutReason)
	costs := r.ledger.Snapshot()
	summary := Summarize(results, n, costs.TotalCost, r.o.now().Sub(start), r.o.cfg.CostTarget)
	r.log.Warn("orchestrator: run timed out",
		zap.Int("successful", summary.SuccessfulAnalyses),
		zap.Int("processed", processed),
		zap.Int("total", n),
	)
	return &Outcome{
		RunID:   r.id,
		State:   StateTimedOut,
		Summary: summary,
		Results: results,
		Costs:   costs,
		Err:     eris.Errorf("orchestrator: run timed out after %s", r.o.cfg.Timeout),
	}
}

func (r *Run) fail(ch *progress.Channel, b *batch, start time.Time, err error) *Outcome {
	n := len(r.req.Competitors)
	_, successful := b.seal()
	r.log.Error("orchestrator: run failed", zap.Error(err))

	ch.Close(model.ErrorEvent{
		Message:    "Analysis failed: " + model.CountMessage(successful, n),
		Err:        err.Error(),
		Successful: successful,
		Total:      n,
	})
	r.setState(StateFailed)

	results := r.fillMissing(b, abortedReason)
	costs := r.ledger.Snapshot()
	return &Outcome{
		RunID:   r.id,
		State:   StateFailed,
		Summary: Summarize(results, n, costs.TotalCost, r.o.now().Sub(start), r.o.cfg.CostTarget),
		Results: results,
		Costs:   costs,
		Err:     err,
	}
}

// fillMissing seals the batch, if it is not sealed already, and appends a failure record for every
// competitor without a result.
func (r *Run) fillMissing(b *batch, reason string) []model.CompetitorAnalysisResult {
	results, _ := b.seal()
	now := r.o.now()
	for _, comp := range r.req.Competitors[len(results):] {
		results = append(results, pipeline.FailedResult(comp, eris.New(reason), now, 0, 0))
	}
	return results
}

// Summarize aggregates results. total is the number of competitors in the
// run, which the average is taken over.
func Summarize(results []model.CompetitorAnalysisResult, total int, totalCost float64, elapsed time.Duration, costTarget float64) model.Summary {
	s := model.Summary{
		TotalCompetitors: total,
		TotalCost:        totalCost,
		ElapsedSeconds:   elapsed.Seconds(),
	}
	for _, res := range results {
		if res.Metadata.Success {
			s.SuccessfulAnalyses++
		}
	}
	s.FailedAnalyses = total - s.SuccessfulAnalyses
	if total > 0 {
		s.AverageCostPerCompetitor = totalCost / float64(total)
	}
	s.CostTargetMet = s.AverageCostPerCompetitor <= costTarget
	return s
}
