package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/sells-group/compete-cli/internal/model"
)

const reportSeparator = "\n\n---\n\n"

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// combinedReport joins the final reports of results in order. When
// competitor is set only that competitor's report is included, matched
// case-insensitively; ok is false when nothing matched.
func combinedReport(results []model.CompetitorAnalysisResult, competitor string) (string, bool) {
	var parts []string
	for _, r := range results {
		if competitor != "" && !strings.EqualFold(r.Competitor.Name, competitor) {
			continue
		}
		if r.FinalReport == "" {
			continue
		}
		parts = append(parts, r.FinalReport)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, reportSeparator), true
}

// renderHTML converts a markdown report to an HTML fragment.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", eris.Wrap(err, "render report html")
	}
	return buf.String(), nil
}

// writeReports writes one markdown file per competitor into dir.
func writeReports(dir string, results []model.CompetitorAnalysisResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "create report dir")
	}
	seen := make(map[string]int, len(results))
	for _, r := range results {
		name := slugify(r.Competitor.Name)
		if name == "" {
			name = "competitor"
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name += "-" + strconv.Itoa(n)
		}
		path := filepath.Join(dir, name+".md")
		if err := os.WriteFile(path, []byte(r.FinalReport), 0o644); err != nil {
			return eris.Wrapf(err, "write report %s", path)
		}
	}
	return nil
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
