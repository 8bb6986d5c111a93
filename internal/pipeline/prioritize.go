package pipeline

import (
	"net/url"
	"sort"
	"strings"

	"github.com/sells-group/compete-cli/internal/model"
)

// pathSignals are URL path fragments that usually carry competitive signal.
var pathSignals = []struct {
	fragments []string
	weight    float64
	reason    string
}{
	{[]string{"pricing", "plans", "price"}, 2, "pricing page"},
	{[]string{"product", "features", "platform", "solutions"}, 1.5, "product page"},
	{[]string{"customers", "case-stud", "testimonials"}, 1, "customer evidence"},
	{[]string{"about", "company", "team"}, 0.75, "company page"},
	{[]string{"news", "press", "blog", "announc"}, 0.75, "announcements"},
	{[]string{"-vs-", "/vs/", "compare", "alternative"}, 1, "comparison"},
}

var reviewHosts = []string{"g2.com", "capterra.com", "trustradius.com", "gartner.com", "getapp.com", "trustpilot.com"}

var lowValueHosts = []string{"facebook.com", "twitter.com", "x.com", "instagram.com", "youtube.com", "tiktok.com", "pinterest.com", "reddit.com"}

// Prioritize scores hits for relevance to comp and returns at most limit of
// them, best first. Equal scores keep search order. It does not mutate hits.
func Prioritize(comp model.Competitor, bctx model.BusinessContext, hits []model.SearchHit, limit int) []model.PrioritizedURL {
	out := make([]model.PrioritizedURL, 0, len(hits))
	for _, h := range hits {
		if h.URL == "" {
			continue
		}
		score, reasons := scoreHit(comp, bctx, h)
		out = append(out, model.PrioritizedURL{
			URL:     h.URL,
			Title:   h.Title,
			Score:   score,
			Rank:    h.Rank,
			Reasons: reasons,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func scoreHit(comp model.Competitor, bctx model.BusinessContext, h model.SearchHit) (float64, []string) {
	var (
		score   float64
		reasons []string
	)
	add := func(w float64, reason string) {
		score += w
		reasons = append(reasons, reason)
	}

	u, err := url.Parse(h.URL)
	if err != nil {
		return 0, nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.ToLower(u.Path)

	if site := competitorHost(comp.Website); site != "" && (host == site || strings.HasSuffix(host, "."+site)) {
		add(3, "official site")
	}

	if nameInText(comp.Name, h.Title) {
		add(2, "name in title")
	} else if nameInText(comp.Name, h.Snippet) {
		add(1, "name in snippet")
	}

	for _, sig := range pathSignals {
		for _, f := range sig.fragments {
			if strings.Contains(path, f) {
				add(sig.weight, sig.reason)
				break
			}
		}
	}

	if hostIn(host, reviewHosts) {
		add(1.5, "review site")
	}
	if hostIn(host, lowValueHosts) {
		add(-2, "social media")
	}

	text := strings.ToLower(h.Title + " " + h.Snippet)
	matched := 0
	for _, p := range bctx.KeyProducts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(text, p) {
			matched++
		}
	}
	if matched > 0 {
		add(0.5*float64(min(matched, 2)), "overlaps key products")
	}

	return score, reasons
}

func competitorHost(website string) string {
	if website == "" {
		return ""
	}
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func nameInText(name, text string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return name != "" && strings.Contains(strings.ToLower(text), name)
}

func hostIn(host string, list []string) bool {
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
