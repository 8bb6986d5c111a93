package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/scrape"
	"github.com/sells-group/compete-cli/internal/search"
)

// --- AI Mock ---

type mockAI struct {
	mock.Mock
}

func (m *mockAI) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

func (m *mockAI) Name() string  { return "anthropic" }
func (m *mockAI) Model() string { return "claude-haiku-4-5-20251001" }

func op(name string) any {
	return mock.MatchedBy(func(req llm.Request) bool { return req.Operation == name })
}

// --- Search Mock ---

type mockSearcher struct {
	mock.Mock
	name string
}

func (m *mockSearcher) Search(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
	args := m.Called(ctx, query, opts)
	resp, _ := args.Get(0).(*search.Response)
	return resp, args.Error(1)
}

func (m *mockSearcher) Name() string {
	if m.name == "" {
		return "jina"
	}
	return m.name
}

// --- Scraper Fake ---

type fakeScraper struct {
	fn    func(urls []string) []scrape.Outcome
	calls int
	limit int
}

func (f *fakeScraper) ScrapeAll(_ context.Context, urls []string, maxConcurrent int) []scrape.Outcome {
	f.calls++
	f.limit = maxConcurrent
	return f.fn(urls)
}
