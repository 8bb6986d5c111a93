package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/compete-cli/internal/model"
)

const querySystemPrompt = `You are a competitive intelligence researcher. You write web search queries that surface a competitor's positioning, pricing, products, customers, funding and recent moves.
Respond with a JSON array only. Each element is an object with "query" and "purpose" string fields.`

const reportSystemPrompt = `You are a competitive intelligence analyst writing for the leadership team of the requesting business.
Write a markdown report about the competitor using only the evidence provided. Cite source URLs inline where a claim depends on them. Say plainly when evidence is missing.
Use these sections: Overview, Products and Pricing, Target Market, Strengths, Weaknesses, Recent Developments, Threat Assessment, Recommended Responses.`

// writeBusinessContext renders the requesting business for a prompt.
func writeBusinessContext(b *strings.Builder, bc model.BusinessContext) {
	b.WriteString("## Requesting business\n")
	field := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(b, "- %s: %s\n", label, value)
		}
	}
	field("Company", bc.CompanyName)
	field("Industry", bc.Industry)
	field("Target market", bc.TargetMarket)
	field("Value proposition", bc.ValueProposition)
	field("Business model", bc.BusinessModel)
	field("Key products", strings.Join(bc.KeyProducts, ", "))
	field("Goals", strings.Join(bc.Goals, "; "))
	field("Notes", bc.Notes)
	b.WriteString("\n")
}

func writeCompetitor(b *strings.Builder, c model.Competitor) {
	b.WriteString("## Competitor\n")
	fmt.Fprintf(b, "- Name: %s\n", c.Name)
	if c.Website != "" {
		fmt.Fprintf(b, "- Website: %s\n", c.Website)
	}
	if c.Description != "" {
		fmt.Fprintf(b, "- Description: %s\n", c.Description)
	}
	b.WriteString("\n")
}

func queryPrompt(c model.Competitor, bc model.BusinessContext, n int) string {
	var b strings.Builder
	writeBusinessContext(&b, bc)
	writeCompetitor(&b, c)
	fmt.Fprintf(&b, "Write up to %d distinct search queries about %s that matter to the requesting business.", n, c.Name)
	return b.String()
}

func reportPrompt(c model.Competitor, bc model.BusinessContext, steps model.StepResults, maxDocChars int) string {
	var b strings.Builder
	writeBusinessContext(&b, bc)
	writeCompetitor(&b, c)

	if len(steps.SearchResults) > 0 {
		b.WriteString("## Search results\n")
		for i, h := range steps.SearchResults {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&b, "- [%s](%s)", h.Title, h.URL)
			if h.Snippet != "" {
				fmt.Fprintf(&b, ": %s", h.Snippet)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	wrote := false
	for _, d := range steps.Documents {
		if !d.Success || d.Content == "" {
			continue
		}
		if !wrote {
			b.WriteString("## Source documents\n")
			wrote = true
		}
		content := d.Content
		if len(content) > maxDocChars {
			content = content[:maxDocChars]
		}
		fmt.Fprintf(&b, "### %s\nURL: %s\n\n%s\n\n", d.Title, d.URL, content)
	}

	if len(steps.SearchResults) == 0 && !wrote {
		b.WriteString("No search or page evidence was gathered. Base the report on the competitor details above and state the limits of the analysis.\n\n")
	}

	fmt.Fprintf(&b, "Write the competitive analysis of %s now.", c.Name)
	return b.String()
}
