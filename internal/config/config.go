package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/compete-cli/internal/cost"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/pipeline"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig         `yaml:"store" mapstructure:"store"`
	Cache        CacheConfig         `yaml:"cache" mapstructure:"cache"`
	AI           AIConfig            `yaml:"ai" mapstructure:"ai"`
	Anthropic    AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini       GeminiConfig        `yaml:"gemini" mapstructure:"gemini"`
	Jina         JinaConfig          `yaml:"jina" mapstructure:"jina"`
	Firecrawl    FirecrawlConfig     `yaml:"firecrawl" mapstructure:"firecrawl"`
	Perplexity   PerplexityConfig    `yaml:"perplexity" mapstructure:"perplexity"`
	Pricing      cost.Rates          `yaml:"pricing" mapstructure:"pricing"`
	Pipeline     pipeline.Config     `yaml:"pipeline" mapstructure:"pipeline"`
	Orchestrator orchestrator.Config `yaml:"orchestrator" mapstructure:"orchestrator"`
	Scrape       ScrapeConfig        `yaml:"scrape" mapstructure:"scrape"`
	Server       ServerConfig        `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CacheConfig configures the batch result cache.
type CacheConfig struct {
	// Backend is "store" (the run store's cache table), "badger" or "none".
	Backend       string `yaml:"backend" mapstructure:"backend"`
	Dir           string `yaml:"dir" mapstructure:"dir"`
	TTLHours      int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	PurgeSchedule string `yaml:"purge_schedule" mapstructure:"purge_schedule"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// AIConfig selects the completion provider and its call policy.
type AIConfig struct {
	Provider       string      `yaml:"provider" mapstructure:"provider"`
	MaxTokens      int         `yaml:"max_tokens" mapstructure:"max_tokens"`
	PromptCacheTTL string      `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
	Retry          RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig holds retry tuning for collaborator calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the settings to a retry policy. Unset values keep the
// resilience defaults; a zero jitter disables jitter.
func (r RetryConfig) Policy() resilience.RetryConfig {
	p := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.JitterFraction >= 0 {
		p.JitterFraction = r.JitterFraction
	}
	return p
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	SearchQPS     float64 `yaml:"search_qps" mapstructure:"search_qps"`
}

// FirecrawlConfig holds Firecrawl API settings (fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings. News search is only
// routed to Perplexity when a key is set.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ScrapeConfig configures the document scraper chain.
type ScrapeConfig struct {
	LocalTimeoutSecs        int      `yaml:"local_timeout_secs" mapstructure:"local_timeout_secs"`
	ExcludePaths            []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
	CircuitFailureThreshold int      `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int      `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// Breaker returns the circuit breaker settings for scrape services.
func (s ScrapeConfig) Breaker() resilience.BreakerConfig {
	b := resilience.DefaultBreakerConfig()
	if s.CircuitFailureThreshold > 0 {
		b.FailureThreshold = s.CircuitFailureThreshold
	}
	if s.CircuitResetSecs > 0 {
		b.ResetTimeout = time.Duration(s.CircuitResetSecs) * time.Second
	}
	return b
}

// ServerConfig configures the HTTP server and its job worker.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	Workers          int      `yaml:"workers" mapstructure:"workers"`
	PollIntervalSecs int      `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background alert checker in serve mode.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	// CostTargetMissRate alerts when more than this share of finished runs
	// missed the per-competitor cost target.
	CostTargetMissRate float64 `yaml:"cost_target_miss_rate" mapstructure:"cost_target_miss_rate"`
	// AlertCooldownMins suppresses repeats of one alert type. Zero sends
	// every check.
	AlertCooldownMins int `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An explicit file must
// exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("COMPETE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	// Model prices are a map, so they are seeded before decoding and
	// configured entries are merged over them.
	cfg := Config{Pricing: cost.Rates{Models: cost.DefaultRates().Models}}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	pl := pipeline.DefaultConfig()
	oc := orchestrator.DefaultConfig()
	rates := cost.DefaultRates()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "compete.db")
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.purge_schedule", "@every 1h")
	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.prompt_cache_ttl", "")
	v.SetDefault("ai.retry.max_attempts", 3)
	v.SetDefault("ai.retry.initial_backoff_ms", 500)
	v.SetDefault("ai.retry.max_backoff_ms", 10000)
	v.SetDefault("ai.retry.multiplier", 2.0)
	v.SetDefault("ai.retry.jitter_fraction", 0.25)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("gemini.key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.search_qps", 2.0)
	v.SetDefault("firecrawl.key", "")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("pricing.default_model", rates.DefaultModel)
	v.SetDefault("pricing.long_context_threshold", rates.LongContextThreshold)
	v.SetDefault("pricing.long_context_input_mul", rates.LongContextInputMul)
	v.SetDefault("pricing.long_context_output_mul", rates.LongContextOutputMul)
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)
	v.SetDefault("pricing.jina.per_search", rates.Jina.PerSearch)
	v.SetDefault("pricing.perplexity.per_query", rates.Perplexity.PerQuery)
	v.SetDefault("pricing.firecrawl.plan_monthly", rates.Firecrawl.PlanMonthly)
	v.SetDefault("pricing.firecrawl.credits_included", rates.Firecrawl.CreditsIncluded)
	v.SetDefault("pipeline.max_queries", pl.MaxQueries)
	v.SetDefault("pipeline.results_per_query", pl.ResultsPerQuery)
	v.SetDefault("pipeline.max_documents", pl.MaxDocuments)
	v.SetDefault("pipeline.scrape_concurrency", pl.ScrapeConcurrency)
	v.SetDefault("pipeline.max_document_chars", pl.MaxDocumentChars)
	v.SetDefault("pipeline.query_max_tokens", pl.QueryMaxTokens)
	v.SetDefault("pipeline.report_max_tokens", pl.ReportMaxTokens)
	v.SetDefault("pipeline.news_recency", pl.NewsRecency)
	v.SetDefault("orchestrator.max_competitors", oc.MaxCompetitors)
	v.SetDefault("orchestrator.timeout", oc.Timeout.String())
	v.SetDefault("orchestrator.shutdown_grace", oc.ShutdownGrace.String())
	v.SetDefault("orchestrator.cost_target", oc.CostTarget)
	v.SetDefault("orchestrator.preflight", false)
	v.SetDefault("scrape.local_timeout_secs", 20)
	v.SetDefault("scrape.exclude_paths", []string{"*.pdf", "/login*", "/signin*", "/cart*"})
	v.SetDefault("scrape.circuit_failure_threshold", 5)
	v.SetDefault("scrape.circuit_reset_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.workers", 2)
	v.SetDefault("server.poll_interval_secs", 2)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.cost_target_miss_rate", 0.5)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings required by mode ("analyze" or "serve").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "analyze", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.AI.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "gemini":
		if c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("ai.provider must be anthropic or gemini, got %q", c.AI.Provider))
	}
	if c.Jina.Key == "" {
		errs = append(errs, "jina.key is required")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	switch c.Cache.Backend {
	case "store", "badger", "none":
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be store, badger or none, got %q", c.Cache.Backend))
	}

	if c.Orchestrator.MaxCompetitors < 1 {
		errs = append(errs, "orchestrator.max_competitors must be >= 1")
	}
	if c.Orchestrator.CostTarget < 0 {
		errs = append(errs, "orchestrator.cost_target must be >= 0")
	}
	if c.Pipeline.ScrapeConcurrency < 0 || c.Pipeline.ScrapeConcurrency > 32 {
		errs = append(errs, "pipeline.scrape_concurrency must be between 0 and 32")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.Workers < 0 {
			errs = append(errs, "server.workers must be >= 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
