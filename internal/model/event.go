package model

import (
	"time"

	"github.com/sells-group/compete-cli/internal/cost"
)

// EventType is the wire tag of an Event.
type EventType string

const (
	EventProgress           EventType = "progress"
	EventAnalysisDetail     EventType = "analysis_detail"
	EventCostUpdate         EventType = "cost_update"
	EventCompetitorComplete EventType = "competitor_complete"
	EventCompetitorError    EventType = "competitor_error"
	EventTimeout            EventType = "timeout"
	EventError              EventType = "error"
	EventComplete           EventType = "complete"
)

// ProgressFailed is the progress value carried by timeout and error events.
const ProgressFailed = -1

// Stage names a step of the per-competitor pipeline.
type Stage string

const (
	StageQueryGeneration Stage = "query_generation"
	StageSearch          Stage = "search_execution"
	StagePrioritization  Stage = "url_prioritization"
	StageScraping        Stage = "content_scraping"
	StageSynthesis       Stage = "report_synthesis"
)

// Stages lists the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageQueryGeneration,
		StageSearch,
		StagePrioritization,
		StageScraping,
		StageSynthesis,
	}
}

// Envelope is the wire form of an Event: one JSON object per emission.
type Envelope struct {
	Type       EventType `json:"type"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message"`
	Timestamp  string    `json:"timestamp"`
	Competitor string    `json:"competitor,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Event is a closed set of run events. Only this package can add kinds;
// consumers switch on the concrete type.
type Event interface {
	Type() EventType
	// Envelope renders the event for transport.
	Envelope(at time.Time) Envelope
	sealed()
}

// ProgressEvent reports overall run progress.
type ProgressEvent struct {
	Progress   float64
	Message    string
	Competitor string
	Stage      Stage
}

// AnalysisDetailEvent carries intermediate structured data from a stage.
type AnalysisDetailEvent struct {
	Progress   float64
	Message    string
	Competitor string
	Stage      Stage
	Detail     any
}

// CostUpdateEvent forwards a ledger snapshot. Its progress is stamped by
// the channel with the last emitted value.
type CostUpdateEvent struct {
	Costs cost.SessionCosts
}

// CompetitorCompleteEvent reports a successful competitor.
type CompetitorCompleteEvent struct {
	Progress        float64
	Result          CompetitorAnalysisResult
	IncrementalCost float64
	Index           int
	Total           int
}

// CompetitorErrorEvent reports a failed competitor and its synthesized result.
type CompetitorErrorEvent struct {
	Progress float64
	Result   CompetitorAnalysisResult
	Err      string
	Index    int
	Total    int
}

// TimeoutEvent is the terminal event when the run deadline fires.
type TimeoutEvent struct {
	Message    string
	Successful int
	Processed  int
	Total      int
}

// ErrorEvent is the terminal event for an unrecoverable run failure.
type ErrorEvent struct {
	Message    string
	Err        string
	Successful int
	Total      int
}

// CompleteEvent is the terminal event of a successful run.
type CompleteEvent struct {
	Message string
	Summary Summary
	Results []CompetitorAnalysisResult
	Costs   cost.SessionCosts
}

func (ProgressEvent) Type() EventType           { return EventProgress }
func (AnalysisDetailEvent) Type() EventType     { return EventAnalysisDetail }
func (CostUpdateEvent) Type() EventType         { return EventCostUpdate }
func (CompetitorCompleteEvent) Type() EventType { return EventCompetitorComplete }
func (CompetitorErrorEvent) Type() EventType    { return EventCompetitorError }
func (TimeoutEvent) Type() EventType            { return EventTimeout }
func (ErrorEvent) Type() EventType              { return EventError }
func (CompleteEvent) Type() EventType           { return EventComplete }

func (ProgressEvent) sealed()           {}
func (AnalysisDetailEvent) sealed()     {}
func (CostUpdateEvent) sealed()         {}
func (CompetitorCompleteEvent) sealed() {}
func (CompetitorErrorEvent) sealed()    {}
func (TimeoutEvent) sealed()            {}
func (ErrorEvent) sealed()              {}
func (CompleteEvent) sealed()           {}

func stamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}

func (e ProgressEvent) Envelope(at time.Time) Envelope {
	env := Envelope{
		Type:       EventProgress,
		Progress:   e.Progress,
		Message:    e.Message,
		Timestamp:  stamp(at),
		Competitor: e.Competitor,
	}
	if e.Stage != "" {
		env.Data = map[string]any{"stage": e.Stage}
	}
	return env
}

func (e AnalysisDetailEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:       EventAnalysisDetail,
		Progress:   e.Progress,
		Message:    e.Message,
		Timestamp:  stamp(at),
		Competitor: e.Competitor,
		Data: map[string]any{
			"stage":  e.Stage,
			"detail": e.Detail,
		},
	}
}

func (e CostUpdateEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:      EventCostUpdate,
		Message:   "Cost updated: " + cost.FormatUSD(e.Costs.TotalCost),
		Timestamp: stamp(at),
		Data:      e.Costs,
	}
}

func (e CompetitorCompleteEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:       EventCompetitorComplete,
		Progress:   e.Progress,
		Message:    formatCompetitorMessage("Completed analysis of", e.Result.Competitor.Name, e.Index, e.Total),
		Timestamp:  stamp(at),
		Competitor: e.Result.Competitor.Name,
		Data: map[string]any{
			"result": e.Result,
			"cost":   e.IncrementalCost,
		},
	}
}

func (e CompetitorErrorEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:       EventCompetitorError,
		Progress:   e.Progress,
		Message:    formatCompetitorMessage("Analysis failed for", e.Result.Competitor.Name, e.Index, e.Total),
		Timestamp:  stamp(at),
		Competitor: e.Result.Competitor.Name,
		Data: map[string]any{
			"error":  e.Err,
			"result": e.Result,
		},
	}
}

func (e TimeoutEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:      EventTimeout,
		Progress:  ProgressFailed,
		Message:   e.Message,
		Timestamp: stamp(at),
		Data: map[string]any{
			"successful": e.Successful,
			"processed":  e.Processed,
			"total":      e.Total,
		},
	}
}

func (e ErrorEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:      EventError,
		Progress:  ProgressFailed,
		Message:   e.Message,
		Timestamp: stamp(at),
		Data: map[string]any{
			"error":      e.Err,
			"successful": e.Successful,
			"total":      e.Total,
		},
	}
}

func (e CompleteEvent) Envelope(at time.Time) Envelope {
	return Envelope{
		Type:      EventComplete,
		Progress:  100,
		Message:   e.Message,
		Timestamp: stamp(at),
		Data: map[string]any{
			"summary": e.Summary,
			"results": e.Results,
			"costs":   e.Costs,
		},
	}
}
