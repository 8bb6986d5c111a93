package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/compete-cli/internal/model"
)

// FailureReport renders the report body stored for a competitor whose
// analysis failed.
func FailureReport(comp model.Competitor, err error, at time.Time) string {
	var b strings.Builder
	b.WriteString("# Analysis Failed\n\n")
	fmt.Fprintf(&b, "**Competitor:** %s\n", comp.Name)
	if comp.Website != "" {
		fmt.Fprintf(&b, "**Website:** %s\n", comp.Website)
	}
	fmt.Fprintf(&b, "**Time:** %s\n\n", at.UTC().Format(time.RFC3339))

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	fmt.Fprintf(&b, "The analysis of %s could not be completed.\n\n", comp.Name)
	fmt.Fprintf(&b, "**Error:** %s\n\n", msg)
	b.WriteString("Retry the analysis later, or run it with fewer sources if the failure was a timeout.\n")
	return b.String()
}

// FailedResult synthesizes the result record for a failed competitor: empty
// steps, Success=false and a FailureReport body.
func FailedResult(comp model.Competitor, err error, at time.Time, elapsed time.Duration, spent float64) model.CompetitorAnalysisResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return model.CompetitorAnalysisResult{
		Competitor:  comp,
		Steps:       EmptySteps(),
		FinalReport: FailureReport(comp, err, at),
		Metadata: model.ResultMetadata{
			TotalCost:  spent,
			Timestamp:  at,
			Success:    false,
			Error:      msg,
			DurationMs: elapsed.Milliseconds(),
		},
	}
}

// EmptySteps returns step results with empty, non-nil lists so they encode
// as [] rather than null.
func EmptySteps() model.StepResults {
	return model.StepResults{
		Queries:         []model.SearchQuery{},
		SearchResults:   []model.SearchHit{},
		PrioritizedURLs: []model.PrioritizedURL{},
		Documents:       []model.ScrapedDocument{},
	}
}
