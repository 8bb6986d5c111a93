package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/cache"
	"github.com/sells-group/compete-cli/internal/config"
	"github.com/sells-group/compete-cli/internal/llm"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/scrape"
	"github.com/sells-group/compete-cli/internal/search"
	"github.com/sells-group/compete-cli/internal/store"
	anthropicpkg "github.com/sells-group/compete-cli/pkg/anthropic"
	"github.com/sells-group/compete-cli/pkg/firecrawl"
	"github.com/sells-group/compete-cli/pkg/gemini"
	"github.com/sells-group/compete-cli/pkg/jina"
	"github.com/sells-group/compete-cli/pkg/perplexity"
)

// appEnv holds the initialized store, collaborators and orchestrator
// needed by the analyze and serve commands.
type appEnv struct {
	Store        store.Store
	Cache        cache.Cache // nil when caching is disabled
	Pipeline     *pipeline.Pipeline
	Orchestrator *orchestrator.Orchestrator
	Breakers     *resilience.ServiceBreakers
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("close cache", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured run store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "compete.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCache returns the result cache for the configured backend, or nil
// when caching is disabled.
func initCache(st store.Store, c config.CacheConfig) (cache.Cache, error) {
	switch c.Backend {
	case "", "store":
		return cache.NewStore(st), nil
	case "badger":
		dir := c.Dir
		if dir == "" {
			dir = ".compete-cache"
		}
		b, err := cache.OpenBadger(dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported cache backend: %s", c.Backend)
	}
}

// initEnv validates config for mode, then builds the store, the AI, search
// and scrape collaborators, the pipeline and the orchestrator. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.Cache, err = initCache(st, cfg.Cache)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init cache")
	}

	ai, err := initAI(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Breakers = resilience.NewServiceBreakers(cfg.Scrape.Breaker())

	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)
	searcher := search.NewJina(jinaClient, cfg.Pricing, cfg.Jina.SearchQPS)

	opts := []pipeline.Option{pipeline.WithScraper(initScrapeChain(jinaClient, env.Breakers))}

	// News queries go to Perplexity only when it is configured; otherwise
	// the web searcher handles them with a recency filter.
	if cfg.Perplexity.Key != "" {
		pc := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
		opts = append(opts, pipeline.WithNews(search.NewPerplexity(pc, cfg.Pricing)))
		zap.L().Info("perplexity news search enabled")
	}

	env.Pipeline = pipeline.New(cfg.Pipeline, ai, searcher, opts...)

	var orchOpts []orchestrator.Option
	if env.Cache != nil {
		orchOpts = append(orchOpts, orchestrator.WithCache(env.Cache, cfg.Cache.TTL()))
	}
	env.Orchestrator = orchestrator.New(cfg.Orchestrator, env.Pipeline, cfg.Pricing, orchOpts...)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("ai_model", ai.Model()),
	)
	return env, nil
}

// initAI builds the completion client for the configured provider.
func initAI(ctx context.Context) (llm.Client, error) {
	retry := cfg.AI.Retry.Policy()

	switch cfg.AI.Provider {
	case "", "anthropic":
		// Retries are handled by the llm adapter, not the SDK.
		clientOpts := []anthropicpkg.Option{anthropicpkg.WithMaxRetries(0)}
		if cfg.Anthropic.BaseURL != "" {
			clientOpts = append(clientOpts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, clientOpts...)

		var opts []llm.AnthropicOption
		if cfg.AI.PromptCacheTTL != "" {
			opts = append(opts, llm.WithPromptCache(cfg.AI.PromptCacheTTL))
		}
		return llm.NewAnthropic(client, cfg.Anthropic.Model, cfg.AI.MaxTokens, retry, opts...), nil
	case "gemini":
		var clientOpts []gemini.Option
		if cfg.Gemini.BaseURL != "" {
			clientOpts = append(clientOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key, clientOpts...)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini client")
		}
		return llm.NewGemini(client, cfg.Gemini.Model, cfg.AI.MaxTokens, retry), nil
	default:
		return nil, eris.Errorf("unsupported ai provider: %s", cfg.AI.Provider)
	}
}

// initScrapeChain builds the document scraper: local fetch first, then the
// Jina reader behind its circuit breaker, then Firecrawl when configured.
func initScrapeChain(jinaClient jina.Client, breakers *resilience.ServiceBreakers) *scrape.Chain {
	matcher := scrape.NewPathMatcher(cfg.Scrape.ExcludePaths)
	timeout := time.Duration(cfg.Scrape.LocalTimeoutSecs) * time.Second

	scrapers := []scrape.Scraper{
		scrape.NewLocalScraper(timeout),
		scrape.NewJinaAdapter(jinaClient, cfg.Pricing, breakers.Get("jina")),
	}

	if cfg.Firecrawl.Key == "" {
		return scrape.NewChain(matcher, scrapers...)
	}

	fc := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
	scrapers = append(scrapers, scrape.NewFirecrawlAdapter(fc, cfg.Pricing))
	zap.L().Info("firecrawl scrape fallback enabled")
	return scrape.NewChain(matcher, scrapers...).WithFirecrawlClient(fc, cfg.Pricing)
}
