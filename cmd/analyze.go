package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/progress"
)

var (
	analyzeCompetitors  string
	analyzeContext      string
	analyzeIncludeNews  bool
	analyzeSkipScraping bool
	analyzeSkipSearch   bool
	analyzeSkipCache    bool
	analyzeMaxDocs      int
	analyzeMode         string
	analyzeTimeout      time.Duration
	analyzeFormat       string
	analyzeReportDir    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a list of competitors and stream progress",
	Long:  "Runs the analysis pipeline for every competitor in the competitors file, streaming progress and cost events to stdout and recording the run in the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := loadRequest(analyzeCompetitors, analyzeContext)
		if err != nil {
			return err
		}
		req.Options = model.Options{
			IncludeNews:  analyzeIncludeNews,
			SkipScraping: analyzeSkipScraping,
			SkipSearch:   analyzeSkipSearch,
			SkipCache:    analyzeSkipCache,
			MaxDocuments: analyzeMaxDocs,
			Mode:         analyzeMode,
		}

		sink, err := newCLISink(analyzeFormat, os.Stdout)
		if err != nil {
			return err
		}

		if analyzeTimeout > 0 {
			cfg.Orchestrator.Timeout = analyzeTimeout
		}

		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		svc := &runService{store: env.Store, orch: env.Orchestrator}
		run, err := svc.start(ctx, req)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		out := svc.execute(ctx, run, sink)

		if analyzeReportDir != "" {
			if err := writeReports(analyzeReportDir, out.Results); err != nil {
				return err
			}
		}

		if analyzeFormat == "text" {
			printSummary(os.Stderr, out)
		}

		if out.State != orchestrator.StateCompleted {
			return eris.Errorf("analyze: run %s ended %s", out.RunID, out.State)
		}
		return nil
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeCompetitors, "competitors", "", "YAML file listing competitors (required)")
	f.StringVar(&analyzeContext, "context", "", "YAML file describing your business context")
	f.BoolVar(&analyzeIncludeNews, "include-news", false, "add recent-news queries for each competitor")
	f.BoolVar(&analyzeSkipScraping, "skip-scraping", false, "synthesize from search snippets only")
	f.BoolVar(&analyzeSkipSearch, "skip-search", false, "skip search; implies no scraping")
	f.BoolVar(&analyzeSkipCache, "skip-cache", false, "ignore cached results for this request")
	f.IntVar(&analyzeMaxDocs, "max-docs", 0, "max documents scraped per competitor (default from config)")
	f.StringVar(&analyzeMode, "mode", "", "analysis depth: standard or deep")
	f.DurationVar(&analyzeTimeout, "timeout", 0, "whole-run timeout (default from config)")
	f.StringVar(&analyzeFormat, "format", "text", "event output format: text or ndjson")
	f.StringVar(&analyzeReportDir, "report-dir", "", "write each competitor's report as markdown into this directory")
	_ = analyzeCmd.MarkFlagRequired("competitors")
	rootCmd.AddCommand(analyzeCmd)
}

// competitorsFile accepts either a bare list of competitors or a document
// with a competitors key and an optional inline business context.
type competitorsFile struct {
	Competitors     []model.Competitor     `yaml:"competitors"`
	BusinessContext *model.BusinessContext `yaml:"business_context"`
}

// loadRequest reads the competitors file and, when set, the business
// context file.
func loadRequest(competitorsPath, contextPath string) (model.Request, error) {
	var req model.Request

	data, err := os.ReadFile(competitorsPath)
	if err != nil {
		return req, eris.Wrap(err, "read competitors file")
	}
	data = bytes.TrimSpace(data)

	if bytes.HasPrefix(data, []byte("-")) || bytes.HasPrefix(data, []byte("[")) {
		if err := yaml.Unmarshal(data, &req.Competitors); err != nil {
			return req, eris.Wrap(err, "parse competitors file")
		}
	} else {
		var doc competitorsFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return req, eris.Wrap(err, "parse competitors file")
		}
		req.Competitors = doc.Competitors
		if doc.BusinessContext != nil {
			req.BusinessContext = *doc.BusinessContext
		}
	}

	if contextPath != "" {
		ctxData, err := os.ReadFile(contextPath)
		if err != nil {
			return req, eris.Wrap(err, "read context file")
		}
		if err := yaml.Unmarshal(ctxData, &req.BusinessContext); err != nil {
			return req, eris.Wrap(err, "parse context file")
		}
	}

	zap.L().Debug("request loaded",
		zap.Int("competitors", len(req.Competitors)),
		zap.String("context_hash", req.BusinessContext.Hash()),
	)
	return req, nil
}

func newCLISink(format string, w io.Writer) (progress.Sink, error) {
	switch format {
	case "", "text":
		return progress.NewTextSink(w), nil
	case "ndjson", "json":
		return progress.NewNDJSONSink(w), nil
	default:
		return nil, eris.Errorf("unsupported format %q (want text or ndjson)", format)
	}
}

func printSummary(w io.Writer, out *orchestrator.Outcome) {
	s := out.Summary
	_, _ = fmt.Fprintf(w, "\nRun %s: %s\n", out.RunID, out.State)
	_, _ = fmt.Fprintf(w, "  %s\n", model.CountMessage(s.SuccessfulAnalyses, s.TotalCompetitors))
	_, _ = fmt.Fprintf(w, "  Total cost: %s (avg %s per competitor, target met: %t)\n",
		cost.FormatUSD(s.TotalCost), cost.FormatUSD(s.AverageCostPerCompetitor), s.CostTargetMet)
	if out.Cached {
		_, _ = fmt.Fprintln(w, "  Served from cache")
	}
	for _, r := range out.Results {
		if !r.Metadata.Success {
			_, _ = fmt.Fprintf(w, "  FAILED %s: %s\n", r.Competitor.Name, r.Metadata.Error)
		}
	}
}
