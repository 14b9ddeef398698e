package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/padlock-insure/padlock-ingest/pkg/anthropic"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Scrape      ScrapeConfig      `yaml:"scrape" mapstructure:"scrape"`
	Normalize   NormalizeConfig   `yaml:"normalize" mapstructure:"normalize"`
	Dedup       DedupConfig       `yaml:"dedup" mapstructure:"dedup"`
	Consistency ConsistencyConfig `yaml:"consistency" mapstructure:"consistency"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Webhook     WebhookConfig     `yaml:"webhook" mapstructure:"webhook"`
	Dashboard   DashboardConfig   `yaml:"dashboard" mapstructure:"dashboard"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	APIKey         string   `yaml:"api_key" mapstructure:"api_key"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FetchConfig configures outbound source fetches.
type FetchConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// ScrapeConfig configures the product page scrape service. When ServiceURL
// is empty the scrape runs in-process.
type ScrapeConfig struct {
	ServiceURL   string `yaml:"service_url" mapstructure:"service_url"`
	ServiceKey   string `yaml:"service_key" mapstructure:"service_key"`
	MaxPageBytes int64  `yaml:"max_page_bytes" mapstructure:"max_page_bytes"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxProducts  int    `yaml:"max_products" mapstructure:"max_products"`
}

// NormalizeConfig configures product normalization.
type NormalizeConfig struct {
	DefaultCurrency      string `yaml:"default_currency" mapstructure:"default_currency"`
	AIEnabled            bool   `yaml:"ai_enabled" mapstructure:"ai_enabled"`
	UnstructuredMinChars int    `yaml:"unstructured_min_chars" mapstructure:"unstructured_min_chars"`
}

// DedupConfig configures duplicate detection.
type DedupConfig struct {
	Threshold           float64 `yaml:"threshold" mapstructure:"threshold"`
	PremiumTolerance    float64 `yaml:"premium_tolerance" mapstructure:"premium_tolerance"`
	MaxCandidates       int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	MatchFieldThreshold float64 `yaml:"match_field_threshold" mapstructure:"match_field_threshold"`
}

// ConsistencyConfig configures the consistency rule set.
type ConsistencyConfig struct {
	RulesFile      string  `yaml:"rules_file" mapstructure:"rules_file"`
	PremiumCeiling float64 `yaml:"premium_ceiling" mapstructure:"premium_ceiling"`
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// IngestConfig configures the job runner.
type IngestConfig struct {
	MaxSourceErrors   int `yaml:"max_source_errors" mapstructure:"max_source_errors"`
	CancelCheckEvery  int `yaml:"cancel_check_every" mapstructure:"cancel_check_every"`
	StatusLogLimit    int `yaml:"status_log_limit" mapstructure:"status_log_limit"`
	StaleAfterMinutes int `yaml:"stale_after_minutes" mapstructure:"stale_after_minutes"`
}

// WebhookConfig configures the AI product ingest webhook.
type WebhookConfig struct {
	Secret   string `yaml:"secret" mapstructure:"secret"`
	SourceID string `yaml:"source_id" mapstructure:"source_id"`
}

// DashboardConfig configures the operator dashboard.
type DashboardConfig struct {
	RecentJobs           int     `yaml:"recent_jobs" mapstructure:"recent_jobs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleSyncHours       int     `yaml:"stale_sync_hours" mapstructure:"stale_sync_hours"`
	// CheckIntervalSecs enables the background warning check in serve
	// mode. Zero disables it.
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	AlertWebhookURL   string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PADLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", anthropic.DefaultModel)
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.user_agent", "padlock-ingest/1.0")
	v.SetDefault("fetch.rate_limit_rps", 5.0)
	v.SetDefault("scrape.max_page_bytes", 512*1024)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.max_products", 25)
	v.SetDefault("normalize.default_currency", "USD")
	v.SetDefault("normalize.ai_enabled", true)
	v.SetDefault("normalize.unstructured_min_chars", 80)
	v.SetDefault("dedup.threshold", 80.0)
	v.SetDefault("dedup.premium_tolerance", 0.1)
	v.SetDefault("dedup.max_candidates", 200)
	v.SetDefault("dedup.match_field_threshold", 0.8)
	v.SetDefault("consistency.premium_ceiling", 100000.0)
	v.SetDefault("consistency.batch_size", 500)
	v.SetDefault("ingest.max_source_errors", 5)
	v.SetDefault("ingest.cancel_check_every", 10)
	v.SetDefault("ingest.status_log_limit", 50)
	v.SetDefault("ingest.stale_after_minutes", 60)
	v.SetDefault("webhook.source_id", "ai-product-ingest")
	v.SetDefault("dashboard.recent_jobs", 20)
	v.SetDefault("dashboard.failure_rate_threshold", 0.5)
	v.SetDefault("dashboard.stale_sync_hours", 48)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given mode are present.
// Modes: "serve" (HTTP surface), "ingest" (CLI pipeline), "store" (read-only
// store commands).
func (c *Config) Validate(mode string) error {
	var errs []string

	storeChecks := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for postgres")
			}
		case "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	pipelineChecks := func() {
		if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 100 {
			errs = append(errs, "dedup.threshold must be in (0, 100]")
		}
		if c.Dedup.PremiumTolerance < 0 || c.Dedup.PremiumTolerance >= 1 {
			errs = append(errs, "dedup.premium_tolerance must be in [0, 1)")
		}
		if c.Ingest.MaxSourceErrors <= 0 {
			errs = append(errs, "ingest.max_source_errors must be > 0")
		}
		if c.Normalize.AIEnabled && c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required when normalize.ai_enabled is set")
		}
	}

	switch mode {
	case "serve":
		storeChecks()
		pipelineChecks()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.RateLimitRPS < 0 {
			errs = append(errs, "server.rate_limit_rps must be >= 0")
		}
	case "ingest":
		storeChecks()
		pipelineChecks()
	case "store":
		storeChecks()
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
