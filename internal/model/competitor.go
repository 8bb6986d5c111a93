package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Competitor identifies one company to analyze. Name is its identity.
type Competitor struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Website     string `json:"website,omitempty" yaml:"website,omitempty" validate:"omitempty,hostname_rfc1123|url"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// BusinessContext describes the requesting business and steers every
// query and prompt.
type BusinessContext struct {
	CompanyName      string   `json:"companyName,omitempty" yaml:"company_name,omitempty"`
	Industry         string   `json:"industry,omitempty" yaml:"industry,omitempty"`
	TargetMarket     string   `json:"targetMarket,omitempty" yaml:"target_market,omitempty"`
	ValueProposition string   `json:"valueProposition,omitempty" yaml:"value_proposition,omitempty"`
	BusinessModel    string   `json:"businessModel,omitempty" yaml:"business_model,omitempty"`
	KeyProducts      []string `json:"keyProducts,omitempty" yaml:"key_products,omitempty"`
	Goals            []string `json:"goals,omitempty" yaml:"goals,omitempty"`
	Notes            string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Hash returns a short stable digest of the context.
func (b BusinessContext) Hash() string {
	// Struct field order is fixed, so the encoding is canonical.
	data, _ := json.Marshal(b)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Options tunes a single run.
type Options struct {
	SkipSearch   bool   `json:"skipSearch,omitempty" yaml:"skip_search,omitempty"`
	SkipScraping bool   `json:"skipScraping,omitempty" yaml:"skip_scraping,omitempty"`
	SkipCache    bool   `json:"skipCache,omitempty" yaml:"skip_cache,omitempty"`
	IncludeNews  bool   `json:"includeNews,omitempty" yaml:"include_news,omitempty"`
	MaxDocuments int    `json:"maxDocuments,omitempty" yaml:"max_documents,omitempty" validate:"gte=0,lte=50"`
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=standard deep"`
}

// Request is the input to a run.
type Request struct {
	Competitors     []Competitor    `json:"competitors" yaml:"competitors" validate:"required,min=1,dive"`
	BusinessContext BusinessContext `json:"businessContext" yaml:"business_context"`
	Options         Options         `json:"options" yaml:"options"`
}

// ModeOrDefault returns the run mode, defaulting to "standard".
func (o Options) ModeOrDefault() string {
	if o.Mode == "" {
		return "standard"
	}
	return o.Mode
}
