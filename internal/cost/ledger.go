// Package cost prices AI and external API usage and accumulates it per run.
package cost

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenUsage is the token consumption of a single AI call.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Breakdown is the priced record of one AI call.
type Breakdown struct {
	Model           string    `json:"model"`
	InputTokens     int       `json:"inputTokens"`
	OutputTokens    int       `json:"outputTokens"`
	InputCost       float64   `json:"inputCost"`
	OutputCost      float64   `json:"outputCost"`
	TotalCost       float64   `json:"totalCost"`
	LongContext     bool      `json:"longContext,omitempty"`
	FallbackPricing bool      `json:"fallbackPricing,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExternalAPICost is a charge from a service priced outside the token model.
type ExternalAPICost struct {
	Service     string    `json:"service"`
	Description string    `json:"description"`
	Cost        float64   `json:"cost"`
	Units       float64   `json:"units"`
	UnitType    string    `json:"unitType"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionCosts is a point-in-time view of everything recorded since the
// last reset.
type SessionCosts struct {
	TotalCost         float64           `json:"totalCost"`
	AICost            float64           `json:"aiCost"`
	ExternalCost      float64           `json:"externalCost"`
	TotalInputTokens  int               `json:"totalInputTokens"`
	TotalOutputTokens int               `json:"totalOutputTokens"`
	CallCount         int               `json:"callCount"`
	Breakdowns        []Breakdown       `json:"breakdowns"`
	ExternalCosts     []ExternalAPICost `json:"externalCosts"`
	EstimatedCost     *float64          `json:"estimatedCost,omitempty"`
	StartTime         time.Time         `json:"startTime"`
}

// ModelCost groups spend by model.
type ModelCost struct {
	Model string  `json:"model"`
	Cost  float64 `json:"cost"`
	Calls int     `json:"calls"`
}

// Listener receives a snapshot after every mutating ledger call.
type Listener func(SessionCosts)

// Ledger accumulates API spend for one run. Listeners must not call
// mutating Ledger methods; read-only calls (Snapshot, Total) are fine.
type Ledger struct {
	rates Rates
	now   func() time.Time

	// notifyMu serializes mutate+deliver so listeners see totals in order.
	notifyMu sync.Mutex

	mu           sync.Mutex
	breakdowns   []Breakdown
	external     []ExternalAPICost
	aiCost       float64
	externalCost float64
	inputTokens  int
	outputTokens int
	estimated    *float64
	start        time.Time
	listeners    map[uint64]Listener
	order        []uint64
	nextID       uint64
}

// NewLedger creates an empty Ledger priced with rates.
func NewLedger(rates Rates) *Ledger {
	l := &Ledger{
		rates:     rates,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
	l.start = l.now()
	return l
}

// Price computes a Breakdown for usage without recording it.
func (r Rates) Price(model string, usage TokenUsage) Breakdown {
	rate, known := r.lookup(model)

	inRate, outRate := rate.Input, rate.Output
	long := rate.LongContext && r.LongContextThreshold > 0 && usage.InputTokens > r.LongContextThreshold
	if long {
		inRate *= r.LongContextInputMul
		outRate *= r.LongContextOutputMul
	}

	inCost := float64(usage.InputTokens) / 1_000_000 * inRate
	outCost := float64(usage.OutputTokens) / 1_000_000 * outRate

	return Breakdown{
		Model:           model,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		InputCost:       inCost,
		OutputCost:      outCost,
		TotalCost:       inCost + outCost,
		LongContext:     long,
		FallbackPricing: !known,
	}
}

// TrackUsage prices and records one AI call.
func (l *Ledger) TrackUsage(model string, usage TokenUsage) Breakdown {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	b := l.rates.Price(model, usage)
	if b.FallbackPricing {
		zap.L().Warn("cost: unknown model, using default pricing",
			zap.String("model", model),
			zap.String("default_model", l.rates.DefaultModel),
		)
	}

	l.mu.Lock()
	b.Timestamp = l.now()
	l.breakdowns = append(l.breakdowns, b)
	l.aiCost += b.TotalCost
	l.inputTokens += b.InputTokens
	l.outputTokens += b.OutputTokens
	l.estimated = nil
	snap, subs := l.snapshotLocked(), l.listenersLocked()
	l.mu.Unlock()

	deliver(subs, snap)
	return b
}

// TrackExternalAPICost records a charge from a non-AI service.
func (l *Ledger) TrackExternalAPICost(service, description string, cost, units float64, unitType string) ExternalAPICost {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	e := ExternalAPICost{
		Service:     service,
		Description: description,
		Cost:        cost,
		Units:       units,
		UnitType:    unitType,
		Timestamp:   l.now(),
	}
	l.external = append(l.external, e)
	l.externalCost += cost
	l.estimated = nil
	snap, subs := l.snapshotLocked(), l.listenersLocked()
	l.mu.Unlock()

	deliver(subs, snap)
	return e
}

// EstimateCost publishes a provisional total (committed total plus the
// estimate) without changing the committed totals. The estimate is cleared
// by the next TrackUsage or TrackExternalAPICost.
func (l *Ledger) EstimateCost(model string, estInputTokens, estOutputTokens int) float64 {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	est := l.rates.Price(model, TokenUsage{InputTokens: estInputTokens, OutputTokens: estOutputTokens})

	l.mu.Lock()
	provisional := l.aiCost + l.externalCost + est.TotalCost
	l.estimated = &provisional
	snap, subs := l.snapshotLocked(), l.listenersLocked()
	l.mu.Unlock()

	deliver(subs, snap)
	return provisional
}

// Subscribe registers fn and returns a function that removes it.
func (l *Ledger) Subscribe(fn Listener) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.listeners, id)
			for i, oid := range l.order {
				if oid == id {
					l.order = append(l.order[:i:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Reset zeroes all totals and records and restarts the clock.
func (l *Ledger) Reset() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.breakdowns = nil
	l.external = nil
	l.aiCost = 0
	l.externalCost = 0
	l.inputTokens = 0
	l.outputTokens = 0
	l.estimated = nil
	l.start = l.now()
	snap, subs := l.snapshotLocked(), l.listenersLocked()
	l.mu.Unlock()

	deliver(subs, snap)
}

// Snapshot returns the current SessionCosts.
func (l *Ledger) Snapshot() SessionCosts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Total returns the committed total cost.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aiCost + l.externalCost
}

// CostByModel groups recorded AI spend by model, sorted by model name.
func (l *Ledger) CostByModel() []ModelCost {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel := make(map[string]*ModelCost)
	for _, b := range l.breakdowns {
		mc, ok := byModel[b.Model]
		if !ok {
			mc = &ModelCost{Model: b.Model}
			byModel[b.Model] = mc
		}
		mc.Cost += b.TotalCost
		mc.Calls++
	}

	out := make([]ModelCost, 0, len(byModel))
	for _, mc := range byModel {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func (l *Ledger) snapshotLocked() SessionCosts {
	sc := SessionCosts{
		TotalCost:         l.aiCost + l.externalCost,
		AICost:            l.aiCost,
		ExternalCost:      l.externalCost,
		TotalInputTokens:  l.inputTokens,
		TotalOutputTokens: l.outputTokens,
		CallCount:         len(l.breakdowns) + len(l.external),
		Breakdowns:        append([]Breakdown{}, l.breakdowns...),
		ExternalCosts:     append([]ExternalAPICost{}, l.external...),
		StartTime:         l.start,
	}
	if l.estimated != nil {
		v := *l.estimated
		sc.EstimatedCost = &v
	}
	return sc
}

func (l *Ledger) listenersLocked() []Listener {
	subs := make([]Listener, 0, len(l.order))
	for _, id := range l.order {
		subs = append(subs, l.listeners[id])
	}
	return subs
}

func deliver(subs []Listener, snap SessionCosts) {
	for _, fn := range subs {
		fn(snap)
	}
}

// Charge is an external cost reported by a collaborator, recorded with
// TrackCharge.
type Charge struct {
	Service     string
	Description string
	Cost        float64
	Units       float64
	UnitType    string
}

// TrackCharge records c as an external API cost. A nil or zero charge is
// ignored.
func (l *Ledger) TrackCharge(c *Charge) {
	if c == nil || (c.Cost == 0 && c.Units == 0) {
		return
	}
	l.TrackExternalAPICost(c.Service, c.Description, c.Cost, c.Units, c.UnitType)
}
