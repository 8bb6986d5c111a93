package model

import (
	"time"

	"github.com/sells-group/compete-cli/internal/cost"
)

// SearchQuery is one query produced by query generation.
type SearchQuery struct {
	Query   string `json:"query"`
	Purpose string `json:"purpose,omitempty"`
	News    bool   `json:"news,omitempty"`
}

// SearchHit is one raw search result. Rank is its position across all
// queries, in the order results were received.
type SearchHit struct {
	Query   string `json:"query"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source"`
	Rank    int    `json:"rank"`
}

// PrioritizedURL is a search hit selected for scraping.
type PrioritizedURL struct {
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Score   float64  `json:"score"`
	Rank    int      `json:"rank"`
	Reasons []string `json:"reasons,omitempty"`
}

// ScrapedDocument is the fetched content of one prioritized URL. A failed
// fetch is kept with Success=false.
type ScrapedDocument struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Source  string `json:"source,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StepResults holds the output of the four data-gathering stages.
type StepResults struct {
	Queries         []SearchQuery     `json:"queries"`
	SearchResults   []SearchHit       `json:"searchResults"`
	PrioritizedURLs []PrioritizedURL  `json:"prioritizedUrls"`
	Documents       []ScrapedDocument `json:"documents"`
}

// ResultMetadata records cost and outcome for one competitor.
type ResultMetadata struct {
	TotalCost  float64   `json:"totalCost"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Cached     bool      `json:"cached,omitempty"`
}

// CompetitorAnalysisResult is the final output for one competitor.
type CompetitorAnalysisResult struct {
	Competitor  Competitor     `json:"competitor"`
	Steps       StepResults    `json:"steps"`
	FinalReport string         `json:"finalReport"`
	Metadata    ResultMetadata `json:"metadata"`
}

// Summary aggregates a run.
type Summary struct {
	TotalCompetitors         int     `json:"totalCompetitors"`
	SuccessfulAnalyses       int     `json:"successfulAnalyses"`
	FailedAnalyses           int     `json:"failedAnalyses"`
	TotalCost                float64 `json:"totalCost"`
	AverageCostPerCompetitor float64 `json:"averageCostPerCompetitor"`
	CostTargetMet            bool    `json:"costTargetMet"`
	ElapsedSeconds           float64 `json:"elapsedSeconds"`
}

// RunStatus represents the current state of a persisted run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusTimedOut RunStatus = "timed_out"
	RunStatusFailed   RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusComplete, RunStatusTimedOut, RunStatusFailed:
		return true
	}
	return false
}

// Run is a persisted analysis run.
type Run struct {
	ID        string     `json:"id"`
	Request   Request    `json:"request"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RunResult is the persisted outcome of a run.
type RunResult struct {
	Summary Summary                    `json:"summary"`
	Results []CompetitorAnalysisResult `json:"results"`
	Costs   cost.SessionCosts          `json:"costs"`
}
