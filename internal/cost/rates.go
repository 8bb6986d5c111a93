package cost

import "fmt"

// Rates holds per-provider pricing configuration.
type Rates struct {
	Models               map[string]ModelRate `yaml:"models" mapstructure:"models"`
	DefaultModel         string               `yaml:"default_model" mapstructure:"default_model"`
	LongContextThreshold int                  `yaml:"long_context_threshold" mapstructure:"long_context_threshold"`
	LongContextInputMul  float64              `yaml:"long_context_input_mul" mapstructure:"long_context_input_mul"`
	LongContextOutputMul float64              `yaml:"long_context_output_mul" mapstructure:"long_context_output_mul"`
	Jina                 JinaRate             `yaml:"jina" mapstructure:"jina"`
	Perplexity           PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
	Firecrawl            FirecrawlRate        `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input       float64 `yaml:"input" mapstructure:"input"`
	Output      float64 `yaml:"output" mapstructure:"output"`
	LongContext bool    `yaml:"long_context" mapstructure:"long_context"`
}

// JinaRate holds Jina Reader and Search pricing.
type JinaRate struct {
	PerMTok   float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// FirecrawlRate holds Firecrawl pricing.
type FirecrawlRate struct {
	PlanMonthly     float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded float64 `yaml:"credits_included" mapstructure:"credits_included"`
}

// lookup returns the rate for model, falling back to the default model.
// The second return is false when the fallback was used.
func (r Rates) lookup(model string) (ModelRate, bool) {
	if rate, ok := r.Models[model]; ok {
		return rate, true
	}
	return r.Models[r.DefaultModel], false
}

// JinaRead computes the cost for Jina Reader token usage.
func (r Rates) JinaRead(tokens int) float64 {
	return (float64(tokens) / 1e6) * r.Jina.PerMTok
}

// JinaSearch returns the flat cost per Jina search.
func (r Rates) JinaSearch() float64 {
	return r.Jina.PerSearch
}

// PerplexityQuery returns the flat cost per Perplexity query.
func (r Rates) PerplexityQuery() float64 {
	return r.Perplexity.PerQuery
}

// FirecrawlCredit returns the effective cost of one Firecrawl credit.
func (r Rates) FirecrawlCredit() float64 {
	if r.Firecrawl.CreditsIncluded <= 0 {
		return 0
	}
	return r.Firecrawl.PlanMonthly / r.Firecrawl.CreditsIncluded
}

// FormatUSD renders a cost for display, rounded to four decimal places.
func FormatUSD(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"gemini-2.5-flash":           {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":             {Input: 1.25, Output: 10.00, LongContext: true},
			"gemini-1.5-pro":             {Input: 1.25, Output: 5.00, LongContext: true},
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, LongContext: true},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		DefaultModel:         "gemini-2.5-flash",
		LongContextThreshold: 200_000,
		LongContextInputMul:  2.0,
		LongContextOutputMul: 1.5,
		Jina:                 JinaRate{PerMTok: 0.02, PerSearch: 0.01},
		Perplexity:           PerplexityRate{PerQuery: 0.005},
		Firecrawl:            FirecrawlRate{PlanMonthly: 19.00, CreditsIncluded: 3000},
	}
}
