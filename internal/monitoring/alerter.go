package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/config"
	"github.com/sells-group/compete-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
	AlertCostTarget     AlertType = "cost_target_missed"
	AlertCircuitOpen    AlertType = "circuit_open"
)

// Severity ranks alerts for whoever receives the webhook.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// minFinishedRuns is the sample size below which rate-based alerts stay quiet.
const minFinishedRuns = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookPayload is the body of one webhook delivery.
type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// rule inspects a snapshot and reports the alert it raises, if any.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{failureRateRule, costOverrunRule, costTargetRule, circuitRule}

func finishedRuns(snap *MetricsSnapshot) int {
	return snap.RunsComplete + snap.RunsFailed + snap.RunsTimedOut
}

// failureRateRule counts timed-out runs as failures.
func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	finished := finishedRuns(snap)
	if finished < minFinishedRuns || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertRunFailureRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf(
			"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed, %d timed out / %d finished in last %dh)",
			snap.FailRate*100, cfg.FailureRateThreshold*100,
			snap.RunsFailed, snap.RunsTimedOut, finished, snap.LookbackHours,
		),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"timed_out":    snap.RunsTimedOut,
			"finished":     finished,
		},
	}, true
}

func costOverrunRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("API cost $%.2f exceeds threshold $%.2f in last %dh",
			snap.CostUSD, cfg.CostThresholdUSD, snap.LookbackHours),
		Details: map[string]any{
			"cost_usd":      snap.CostUSD,
			"threshold_usd": cfg.CostThresholdUSD,
			"runs_total":    snap.RunsTotal,
		},
	}, true
}

func costTargetRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.CostTargetMissRate <= 0 || finishedRuns(snap) < minFinishedRuns || snap.CostTargetMissRate <= cfg.CostTargetMissRate {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostTarget,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("%d run(s) missed the per-competitor cost target in last %dh (average $%.4f per competitor)",
			snap.CostTargetMisses, snap.LookbackHours, snap.AvgCostPerCompetitor),
		Details: map[string]any{
			"misses":                  snap.CostTargetMisses,
			"miss_rate":               snap.CostTargetMissRate,
			"avg_cost_per_competitor": snap.AvgCostPerCompetitor,
		},
	}, true
}

func circuitRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if len(snap.OpenCircuits) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCircuitOpen,
		Severity: SeverityMedium,
		Message:  "Circuit breaker open for " + strings.Join(snap.OpenCircuits, ", "),
		Details:  map[string]any{"services": snap.OpenCircuits},
	}, true
}

// Alerter evaluates snapshots against the configured thresholds and
// delivers breaches to a webhook. An alert type that was delivered within
// the cooldown is not delivered again.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			OnRetry:        resilience.LogRetry("webhook", "send_alerts"),
		},
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[AlertType]time.Time),
	}
}

// Evaluate returns every alert snap raises, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.now()
	var alerts []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// SendAlerts delivers the alerts not in cooldown as one webhook call and
// returns how many were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	due := a.due(alerts)
	if len(due) == 0 {
		return 0
	}

	_, err := resilience.Retry(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.post(ctx, due)
	})
	if err != nil {
		zap.L().Error("monitoring: failed to send alerts", zap.Int("alerts", len(due)), zap.Error(err))
		return 0
	}

	a.mu.Lock()
	now := a.now()
	for _, alert := range due {
		a.lastSent[alert.Type] = now
	}
	a.mu.Unlock()

	for _, alert := range due {
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
		)
	}
	return len(due)
}

func (a *Alerter) due(alerts []Alert) []Alert {
	cooldown := time.Duration(a.cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		return alerts
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []Alert
	for _, alert := range alerts {
		if last, ok := a.lastSent[alert.Type]; ok && now.Sub(last) < cooldown {
			zap.L().Debug("monitoring: alert in cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		out = append(out, alert)
	}
	return out
}

func (a *Alerter) post(ctx context.Context, alerts []Alert) error {
	payload, err := json.Marshal(webhookPayload{Source: "compete-cli", Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
