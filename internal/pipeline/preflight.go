package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/resilience"
)

// ErrPreflight is returned when a collaborator health check fails.
var ErrPreflight = eris.New("pipeline: collaborator health check failed")

// Pinger is implemented by collaborators that can verify their own
// reachability cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceCheck is the outcome of one collaborator health check.
type ServiceCheck struct {
	Service   string `json:"service"`
	Provider  string `json:"provider,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Preflight checks the AI, search and scrape collaborators. The AI check is
// a one-token completion; search and scrape are checked with Ping when they
// implement Pinger and are otherwise only required to be configured. The
// returned error wraps ErrPreflight when any check fails.
func (p *Pipeline) Preflight(ctx context.Context) ([]ServiceCheck, error) {
	checks := []ServiceCheck{
		p.check(ctx, "ai", p.aiName(), func(ctx context.Context) error {
			if p.ai == nil {
				return eris.New("not configured")
			}
			return llm.Ping(ctx, p.ai)
		}),
		p.check(ctx, "search", searcherName(p.search), func(ctx context.Context) error {
			if p.search == nil {
				return eris.New("not configured")
			}
			return ping(ctx, p.search)
		}),
	}
	if p.news != nil {
		checks = append(checks, p.check(ctx, "news", p.news.Name(), func(ctx context.Context) error {
			return ping(ctx, p.news)
		}))
	}
	if p.scraper != nil {
		checks = append(checks, p.check(ctx, "scrape", "", func(ctx context.Context) error {
			return ping(ctx, p.scraper)
		}))
	}

	var failed []string
	for _, c := range checks {
		if !c.OK {
			failed = append(failed, c.Service+": "+c.Error)
		}
	}
	if len(failed) > 0 {
		return checks, eris.Wrapf(ErrPreflight, "%v", failed)
	}
	return checks, nil
}

func (p *Pipeline) check(ctx context.Context, service, provider string, fn func(context.Context) error) ServiceCheck {
	start := time.Now()
	err := resilience.Guard("preflight_"+service, func() error { return fn(ctx) })
	c := ServiceCheck{
		Service:   service,
		Provider:  provider,
		OK:        err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		c.Error = err.Error()
		zap.L().Warn("pipeline: preflight check failed", zap.String("service", service), zap.Error(err))
	}
	return c
}

func (p *Pipeline) aiName() string {
	if p.ai == nil {
		return ""
	}
	return p.ai.Name() + "/" + p.ai.Model()
}

func searcherName(s interface{ Name() string }) string {
	if s == nil {
		return ""
	}
	return s.Name()
}

func ping(ctx context.Context, v any) error {
	if pg, ok := v.(Pinger); ok {
		return pg.Ping(ctx)
	}
	return nil
}
