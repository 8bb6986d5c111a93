// Package resilience provides retry, circuit breaking and panic containment
// for collaborator calls.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets a single probe call through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a Breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
	// Trips reports whether err counts as a failure. Nil counts every error.
	Trips func(err error) bool
}

// DefaultBreakerConfig opens after 5 failures and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker guards one external service. While open it rejects calls; after
// ResetTimeout exactly one probe is let through and its outcome closes or
// reopens the circuit.
type Breaker struct {
	service string
	cfg     BreakerConfig
	now     func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker for service.
func NewBreaker(service string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{service: service, cfg: cfg, now: time.Now}
}

// Call runs fn through b. It returns ErrCircuitOpen without calling fn
// while the circuit is open or a probe is already in flight.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.acquire(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state. An open circuit whose reset timeout has
// passed reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Open reports whether the next call would be rejected.
func (b *Breaker) Open() bool {
	return b.State() == CircuitOpen
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Service  string     `json:"service"`
	State    string     `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Status returns b's current status.
func (b *Breaker) Status() BreakerStatus {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{Service: b.service, State: state.String(), Failures: b.failures}
	if state != CircuitClosed {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.setState(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && (b.cfg.Trips == nil || b.cfg.Trips(err))
	wasProbe := b.state == CircuitHalfOpen
	b.probing = false

	if !failed {
		b.failures = 0
		if wasProbe {
			b.setState(CircuitClosed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != CircuitOpen {
			b.setState(CircuitOpen)
		}
	}
}

func (b *Breaker) setState(to CircuitState) {
	from := b.state
	b.state = to
	fields := []zap.Field{
		zap.String("service", b.service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures),
	}
	if to == CircuitOpen {
		zap.L().Warn("resilience: circuit opened", fields...)
		return
	}
	zap.L().Info("resilience: circuit state changed", fields...)
}

// ServiceBreakers hands out one Breaker per external service.
type ServiceBreakers struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewServiceBreakers creates an empty registry whose breakers use cfg.
func NewServiceBreakers(cfg BreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *Breaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	b, ok := sb.breakers[service]
	if !ok {
		b = NewBreaker(service, sb.cfg)
		sb.breakers[service] = b
	}
	return b
}

// Snapshot returns the status of every breaker, sorted by service.
func (sb *ServiceBreakers) Snapshot() []BreakerStatus {
	sb.mu.Lock()
	list := make([]*Breaker, 0, len(sb.breakers))
	for _, b := range sb.breakers {
		list = append(list, b)
	}
	sb.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
