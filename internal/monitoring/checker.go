package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/config"
)

// Checker evaluates alerts on a schedule and keeps the latest snapshot
// for the metrics endpoint.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu   sync.RWMutex
	last *MetricsSnapshot
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Last returns the snapshot from the most recent successful check, or nil.
func (c *Checker) Last() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Schedule registers the check on s. Each check runs under ctx; when a
// check is still going at the next tick, that tick is skipped.
func (c *Checker) Schedule(ctx context.Context, s *cron.Cron) (cron.EntryID, error) {
	spec := c.spec()
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { c.Check(ctx) }))

	id, err := s.AddJob(spec, job)
	if err != nil {
		return 0, eris.Wrapf(err, "monitoring: schedule check %q", spec)
	}
	zap.L().Info("monitoring: alert checks scheduled",
		zap.String("schedule", spec),
		zap.Int("lookback_hours", c.lookback()),
	)
	return id, nil
}

func (c *Checker) spec() string {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return fmt.Sprintf("@every %s", interval)
}

// Check collects one snapshot, evaluates it and sends any alerts. It
// returns the alerts that were triggered, delivered or not.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback())
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

func (c *Checker) lookback() int {
	if c.cfg.LookbackWindowHours <= 0 {
		return 24
	}
	return c.cfg.LookbackWindowHours
}
