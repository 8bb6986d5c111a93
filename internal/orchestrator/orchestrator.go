// Package orchestrator runs a batch of competitor analyses as one run:
// it validates the request, processes competitors in order, multiplexes
// stage progress and cost updates onto a progress channel, and enforces
// the run deadline.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/cache"
	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/pipeline"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = eris.New("orchestrator: invalid request")
	// ErrAlreadyStarted is returned when a run is executed twice.
	ErrAlreadyStarted = eris.New("orchestrator: run already started")
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	MaxCompetitors int           `mapstructure:"max_competitors"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	CostTarget     float64       `mapstructure:"cost_target"`
	Preflight      bool          `mapstructure:"preflight"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxCompetitors: 50,
		Timeout:        30 * time.Minute,
		ShutdownGrace:  10 * time.Second,
		CostTarget:     0.20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxCompetitors <= 0 {
		c.MaxCompetitors = def.MaxCompetitors
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.CostTarget <= 0 {
		c.CostTarget = def.CostTarget
	}
	return c
}

// Analyzer runs the per-competitor pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, ledger *cost.Ledger, comp model.Competitor, bctx model.BusinessContext, opts model.Options, onStage pipeline.StageFunc) (*model.CompetitorAnalysisResult, error)
}

// Preflighter is implemented by analyzers that can health-check their
// collaborators before a run.
type Preflighter interface {
	Preflight(ctx context.Context) ([]pipeline.ServiceCheck, error)
}

// Orchestrator prepares and executes runs. It holds no per-run state and
// is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	analyzer Analyzer
	rates    cost.Rates
	cache    cache.Cache
	cacheTTL time.Duration
	validate *validator.Validate
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithCache enables result caching with the given entry lifetime.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. rates prices the ledger of every run.
func New(cfg Config, analyzer Analyzer, rates cost.Rates, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		analyzer: analyzer,
		rates:    rates,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Validate checks req without preparing a run. Errors wrap
// ErrInvalidRequest.
func (o *Orchestrator) Validate(req model.Request) error {
	if len(req.Competitors) == 0 {
		return eris.Wrap(ErrInvalidRequest, "at least one competitor is required")
	}
	if err := o.validate.Struct(req); err != nil {
		return eris.Wrapf(ErrInvalidRequest, "%v", err)
	}
	return nil
}

// Cap returns req with its competitor list cut to MaxCompetitors. The
// caller's slice is not modified.
func (o *Orchestrator) Cap(req model.Request) model.Request {
	if n := len(req.Competitors); n > o.cfg.MaxCompetitors {
		zap.L().Warn("orchestrator: competitor list truncated",
			zap.Int("requested", n),
			zap.Int("max", o.cfg.MaxCompetitors),
		)
		req.Competitors = append([]model.Competitor(nil), req.Competitors[:o.cfg.MaxCompetitors]...)
	}
	return req
}

// Prepare validates req, caps the competitor list and runs the optional
// preflight. Every setup failure is returned here, before any event can be
// emitted. The returned Run is Idle.
func (o *Orchestrator) Prepare(ctx context.Context, req model.Request) (*Run, error) {
	return o.PrepareWithID(ctx, uuid.New().String(), req)
}

// PrepareWithID is Prepare for a run whose id was assigned elsewhere, such
// as a persisted job.
func (o *Orchestrator) PrepareWithID(ctx context.Context, id string, req model.Request) (*Run, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("run_id", id))
	req = o.Cap(req)

	if o.cfg.Preflight {
		if pf, ok := o.analyzer.(Preflighter); ok {
			if _, err := pf.Preflight(ctx); err != nil {
				return nil, eris.Wrap(err, "orchestrator: preflight")
			}
		}
	}

	return &Run{
		id:     id,
		o:      o,
		req:    req,
		ledger: cost.NewLedger(o.rates),
		log:    log,
	}, nil
}
