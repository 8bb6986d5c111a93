package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/compete-cli/internal/cost"
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Print the configured price table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatRates(os.Stdout, cfg.Pricing, cfg.Orchestrator.CostTarget)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(costsCmd)
}

// formatRates writes the model and service prices to out.
func formatRates(out io.Writer, r cost.Rates, target float64) {
	names := make([]string, 0, len(r.Models))
	for name := range r.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODEL\tINPUT $/MTOK\tOUTPUT $/MTOK\tLONG CONTEXT")
	_, _ = fmt.Fprintln(w, "-----\t------------\t-------------\t------------")
	for _, name := range names {
		m := r.Models[name]
		label := name
		if name == r.DefaultModel {
			label += " (default)"
		}
		long := "-"
		if m.LongContext {
			long = fmt.Sprintf(">%d tok: x%.2g in, x%.2g out",
				r.LongContextThreshold, r.LongContextInputMul, r.LongContextOutputMul)
		}
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%s\n", label, m.Input, m.Output, long)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Jina reader:\t$%.4f per MTok\n", r.Jina.PerMTok)
	_, _ = fmt.Fprintf(w, "Jina search:\t%s per search\n", cost.FormatUSD(r.JinaSearch()))
	_, _ = fmt.Fprintf(w, "Perplexity:\t%s per query\n", cost.FormatUSD(r.PerplexityQuery()))
	_, _ = fmt.Fprintf(w, "Firecrawl:\t%s per credit\n", cost.FormatUSD(r.FirecrawlCredit()))
	_, _ = fmt.Fprintf(w, "Cost target:\t%s per competitor\n", cost.FormatUSD(target))
	_ = w.Flush()
}
