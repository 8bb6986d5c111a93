package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis run history",
}

// withStore opens the run store for the length of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(ctx, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		competitor, _ := flags.GetString("competitor")
		limit, _ := flags.GetInt("limit")
		offset, _ := flags.GetInt("offset")
		asJSON, _ := flags.GetBool("json")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			runs, err := st.ListRuns(ctx, store.RunFilter{
				Status:     model.RunStatus(status),
				Competitor: competitor,
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			if asJSON {
				return printJSON(os.Stdout, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}
			formatRunsList(os.Stdout, runs)
			return nil
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run as JSON, or its markdown report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, _ := cmd.Flags().GetBool("report")
		competitor, _ := cmd.Flags().GetString("competitor")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "runs show")
			}
			if !report {
				return printJSON(os.Stdout, run)
			}

			if run.Result == nil {
				return eris.Errorf("runs show: run %s has no results", run.ID)
			}
			md, ok := combinedReport(run.Result.Results, competitor)
			if !ok {
				return eris.Errorf("runs show: no report found for run %s", run.ID)
			}
			_, err = fmt.Fprintln(os.Stdout, md)
			return err
		})
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize outcomes, spend and latency over recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		top, _ := cmd.Flags().GetInt("top")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			filter := store.RunFilter{Limit: 10000}
			if since > 0 {
				filter.CreatedAfter = time.Now().Add(-since)
			}
			runs, err := st.ListRuns(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "runs stats")
			}
			formatRunStats(os.Stdout, computeRunStats(runs), top)
			return nil
		})
	},
}

func init() {
	lf := runsListCmd.Flags()
	lf.String("status", "", "filter by run status (queued, running, complete, timed_out, failed)")
	lf.String("competitor", "", "filter by competitor name")
	lf.Int("limit", 50, "max number of runs to display")
	lf.Int("offset", 0, "skip this many runs")
	lf.Bool("json", false, "print runs as JSON")

	runsShowCmd.Flags().Bool("report", false, "print the markdown report instead of the run JSON")
	runsShowCmd.Flags().String("competitor", "", "with --report, print only this competitor's report")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")
	runsStatsCmd.Flags().Int("top", 5, "number of most expensive competitors to list")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// competitorSpend is one competitor's cost summed over runs.
type competitorSpend struct {
	Name  string
	Runs  int
	Spent float64
}

// runStats aggregates a set of runs.
type runStats struct {
	Total    int
	ByStatus map[model.RunStatus]int

	Competitors int
	Successful  int
	TotalCost   float64

	// Durations of complete runs, sorted ascending.
	durations []time.Duration
	spend     []competitorSpend
}

// AvgCostPerCompetitor is the mean cost over every competitor of a
// finished run.
func (s runStats) AvgCostPerCompetitor() float64 {
	if s.Competitors == 0 {
		return 0
	}
	return s.TotalCost / float64(s.Competitors)
}

// Percentile returns the p-th percentile (0-100) duration of complete
// runs, nearest rank.
func (s runStats) Percentile(p float64) time.Duration {
	if len(s.durations) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(s.durations))+0.5) - 1
	rank = max(0, min(rank, len(s.durations)-1))
	return s.durations[rank]
}

// TopSpenders returns up to n competitors by total spend, highest first.
func (s runStats) TopSpenders(n int) []competitorSpend {
	return s.spend[:min(n, len(s.spend))]
}

func computeRunStats(runs []model.Run) runStats {
	s := runStats{Total: len(runs), ByStatus: make(map[model.RunStatus]int)}
	spend := make(map[string]*competitorSpend)

	for _, r := range runs {
		s.ByStatus[r.Status]++
		if r.Status == model.RunStatusComplete {
			s.durations = append(s.durations, r.UpdatedAt.Sub(r.CreatedAt))
		}
		if r.Result == nil {
			continue
		}

		s.Competitors += r.Result.Summary.TotalCompetitors
		s.Successful += r.Result.Summary.SuccessfulAnalyses
		s.TotalCost += r.Result.Summary.TotalCost
		for _, res := range r.Result.Results {
			key := strings.ToLower(res.Competitor.Name)
			cs, ok := spend[key]
			if !ok {
				cs = &competitorSpend{Name: res.Competitor.Name}
				spend[key] = cs
			}
			cs.Runs++
			cs.Spent += res.Metadata.TotalCost
		}
	}

	slices.Sort(s.durations)
	for _, cs := range spend {
		s.spend = append(s.spend, *cs)
	}
	sort.Slice(s.spend, func(i, j int) bool {
		if s.spend[i].Spent != s.spend[j].Spent {
			return s.spend[i].Spent > s.spend[j].Spent
		}
		return s.spend[i].Name < s.spend[j].Name
	})
	return s
}

var statusOrder = []model.RunStatus{
	model.RunStatusComplete,
	model.RunStatusTimedOut,
	model.RunStatusFailed,
	model.RunStatusRunning,
	model.RunStatusQueued,
}

func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPETITORS\tSTATUS\tOK\tCOST\tCREATED\tDURATION")

	for _, r := range runs {
		ok, spent := "-", "-"
		if r.Result != nil {
			ok = fmt.Sprintf("%d/%d", r.Result.Summary.SuccessfulAnalyses, r.Result.Summary.TotalCompetitors)
			spent = cost.FormatUSD(r.Result.Summary.TotalCost)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			competitorNames(r.Request.Competitors, 30),
			r.Status,
			ok,
			spent,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

func formatRunStats(out io.Writer, s runStats, top int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	for _, st := range statusOrder {
		if n := s.ByStatus[st]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Competitors:\t%d (%d successful)\n", s.Competitors, s.Successful)
	_, _ = fmt.Fprintf(w, "Total cost:\t%s\n", cost.FormatUSD(s.TotalCost))
	_, _ = fmt.Fprintf(w, "Avg cost/competitor:\t%s\n", cost.FormatUSD(s.AvgCostPerCompetitor()))
	if len(s.durations) > 0 {
		_, _ = fmt.Fprintf(w, "Duration p50/p95:\t%s / %s\n",
			s.Percentile(50).Round(time.Second), s.Percentile(95).Round(time.Second))
	}
	_ = w.Flush()

	spenders := s.TopSpenders(top)
	if len(spenders) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nTop spend:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, cs := range spenders {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%d run(s)\n", cs.Name, cost.FormatUSD(cs.Spent), cs.Runs)
	}
	_ = w.Flush()
}

// competitorNames joins competitor names, truncated to limit bytes.
func competitorNames(comps []model.Competitor, limit int) string {
	names := make([]string, 0, len(comps))
	for _, c := range comps {
		names = append(names, c.Name)
	}
	s := strings.Join(names, ", ")
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}

// truncateID shortens a UUID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
