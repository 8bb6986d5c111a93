// Package monitoring watches recent analysis runs and collaborator circuit
// breakers and raises webhook alerts when failure or spend thresholds are
// crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsTimedOut int     `json:"runs_timed_out"`
	RunsQueued   int     `json:"runs_queued"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Spend metrics (within lookback window).
	CostUSD              float64 `json:"cost_usd"`
	CompetitorsAnalyzed  int     `json:"competitors_analyzed"`
	AvgCostPerCompetitor float64 `json:"avg_cost_per_competitor"`
	CostTargetMisses     int     `json:"cost_target_misses"`
	CostTargetMissRate   float64 `json:"cost_target_miss_rate"`

	// Collaborators whose circuit breaker is not closed.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store method the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// BreakerStates reports per-service circuit breaker state.
type BreakerStates interface {
	Snapshot() []resilience.BreakerStatus
}

// Collector gathers metrics from the run store and circuit breakers.
type Collector struct {
	runs     RunLister
	breakers BreakerStates
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(runs RunLister, breakers BreakerStates) *Collector {
	return &Collector{runs: runs, breakers: breakers, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	withResult := 0
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusTimedOut:
			snap.RunsTimedOut++
		case model.RunStatusQueued:
			snap.RunsQueued++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Result == nil {
			continue
		}
		withResult++
		snap.CostUSD += r.Result.Summary.TotalCost
		snap.CompetitorsAnalyzed += r.Result.Summary.TotalCompetitors
		if !r.Result.Summary.CostTargetMet {
			snap.CostTargetMisses++
		}
	}

	finished := snap.RunsComplete + snap.RunsFailed + snap.RunsTimedOut
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed+snap.RunsTimedOut) / float64(finished)
	}
	if snap.CompetitorsAnalyzed > 0 {
		snap.AvgCostPerCompetitor = snap.CostUSD / float64(snap.CompetitorsAnalyzed)
	}
	if withResult > 0 {
		snap.CostTargetMissRate = float64(snap.CostTargetMisses) / float64(withResult)
	}

	if c.breakers != nil {
		for _, st := range c.breakers.Snapshot() {
			if st.State != resilience.CircuitClosed.String() {
				snap.OpenCircuits = append(snap.OpenCircuits, st.Service)
			}
		}
	}

	return snap, nil
}
