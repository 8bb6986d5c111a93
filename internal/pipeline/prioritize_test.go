package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/model"
)

func hit(rank int, url, title, snippet string) model.SearchHit {
	return model.SearchHit{URL: url, Title: title, Snippet: snippet, Rank: rank}
}

func TestPrioritize_OfficialSiteFirst(t *testing.T) {
	hits := []model.SearchHit{
		hit(0, "https://blog.example/industry-roundup", "Industry roundup", "several vendors"),
		hit(1, "https://www.acme.io/pricing", "Acme pricing", "plans from $20"),
		hit(2, "https://www.g2.com/products/acme/reviews", "Acme reviews", "what users say"),
	}

	got := Prioritize(acme, bctx, hits, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "https://www.acme.io/pricing", got[0].URL)
	assert.Contains(t, got[0].Reasons, "official site")
	assert.Contains(t, got[0].Reasons, "pricing page")
	assert.Equal(t, "https://www.g2.com/products/acme/reviews", got[1].URL)
	assert.Contains(t, got[1].Reasons, "review site")
	assert.Equal(t, 1, got[0].Rank, "search rank is carried through")
}

func TestPrioritize_TiesKeepSearchOrder(t *testing.T) {
	hits := []model.SearchHit{
		hit(0, "https://a.example/x", "one", ""),
		hit(1, "https://b.example/x", "two", ""),
		hit(2, "https://c.example/x", "three", ""),
	}
	got := Prioritize(acme, bctx, hits, 0)
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, hits[i].URL, p.URL)
		assert.Zero(t, p.Score)
	}
}

func TestPrioritize_Truncates(t *testing.T) {
	hits := []model.SearchHit{
		hit(0, "https://a.example/", "Acme", ""),
		hit(1, "https://acme.io/", "Acme home", ""),
		hit(2, "https://b.example/", "other", ""),
	}
	got := Prioritize(acme, bctx, hits, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "https://acme.io/", got[0].URL)
	assert.Equal(t, "https://a.example/", got[1].URL)
}

func TestPrioritize_SocialPenalty(t *testing.T) {
	hits := []model.SearchHit{
		hit(0, "https://twitter.com/acme", "Acme on X", ""),
		hit(1, "https://news.example/story", "Acme raises round", ""),
	}
	got := Prioritize(acme, bctx, hits, 0)
	assert.Equal(t, "https://news.example/story", got[0].URL)
	assert.Less(t, got[1].Score, got[0].Score)
	assert.Contains(t, got[1].Reasons, "social media")
}

func TestPrioritize_KeyProductOverlapIsCapped(t *testing.T) {
	ctx := bctx
	ctx.KeyProducts = []string{"approvals", "invoices", "budgets"}
	hits := []model.SearchHit{hit(0, "https://x.example/", "approvals invoices budgets", "")}

	got := Prioritize(model.Competitor{Name: "Zed"}, ctx, hits, 0)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestPrioritize_DoesNotMutateInput(t *testing.T) {
	hits := []model.SearchHit{
		hit(0, "https://b.example/", "other", ""),
		hit(1, "https://acme.io/pricing", "Acme pricing", ""),
		{URL: ""},
	}
	before := append([]model.SearchHit(nil), hits...)

	got := Prioritize(acme, bctx, hits, 0)
	assert.Equal(t, before, hits)
	assert.Len(t, got, 2, "hits without a URL are dropped")
}

func TestCompetitorHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.acme.io", "acme.io"},
		{"acme.io", "acme.io"},
		{"http://Shop.Acme.io/path", "shop.acme.io"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, competitorHost(tt.in))
		})
	}
}
