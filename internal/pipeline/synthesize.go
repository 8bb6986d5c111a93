package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/model"
)

// synthesize writes the final report from everything gathered so far.
// Empty output fails the stage.
func (r *run) synthesize(steps model.StepResults) (string, error) {
	r.report(model.StageSynthesis, 0, "Writing report for "+r.comp.Name, nil)

	resp, err := r.complete(llm.Request{
		System:    reportSystemPrompt,
		Prompt:    reportPrompt(r.comp, r.bctx, steps, r.p.cfg.MaxDocumentChars),
		MaxTokens: r.p.cfg.ReportMaxTokens,
		Operation: "synthesize_report",
	})
	if err != nil {
		return "", eris.Wrap(err, "pipeline: synthesize report")
	}

	report := strings.TrimSpace(resp.Text)
	if report == "" {
		return "", eris.Wrap(llm.ErrEmptyCompletion, "pipeline: synthesize report")
	}

	r.report(model.StageSynthesis, 100, "Report complete", nil)
	return report, nil
}
