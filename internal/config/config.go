package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Xero       XeroConfig       `yaml:"xero" mapstructure:"xero"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// XeroConfig holds accounting provider OAuth and API settings.
type XeroConfig struct {
	ClientID       string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret   string  `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL       string  `yaml:"token_url" mapstructure:"token_url"`
	APIBaseURL     string  `yaml:"api_base_url" mapstructure:"api_base_url"`
	PageSize       int     `yaml:"page_size" mapstructure:"page_size"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// SyncConfig configures the historical sync engine.
type SyncConfig struct {
	MaxAttempts          int `yaml:"max_attempts" mapstructure:"max_attempts"`
	TokenBufferSecs      int `yaml:"token_buffer_secs" mapstructure:"token_buffer_secs"`
	MaxConcurrentTenants int `yaml:"max_concurrent_tenants" mapstructure:"max_concurrent_tenants"`
}

// TokenBuffer returns the expiry buffer window as a duration.
func (c SyncConfig) TokenBuffer() time.Duration {
	return time.Duration(c.TokenBufferSecs) * time.Second
}

// AnalysisConfig configures the analysis orchestrator.
type AnalysisConfig struct {
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxFailovers int    `yaml:"max_failovers" mapstructure:"max_failovers"`
	PoolFile     string `yaml:"pool_file" mapstructure:"pool_file"`
}

// BudgetConfig configures the per-tenant spend ceiling.
type BudgetConfig struct {
	CeilingUSD float64 `yaml:"ceiling_usd" mapstructure:"ceiling_usd"`
	PeriodDays int     `yaml:"period_days" mapstructure:"period_days"`
}

// Period returns the budget period as a duration.
func (c BudgetConfig) Period() time.Duration {
	return time.Duration(c.PeriodDays) * 24 * time.Hour
}

// PricingConfig holds per-provider pricing rates (USD per million tokens).
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity map[string]ModelPricing `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the status/trigger HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TAXAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("xero.token_url", "https://identity.xero.com/connect/token")
	v.SetDefault("xero.api_base_url", "https://api.xero.com/api.xro/2.0")
	v.SetDefault("xero.page_size", 100)
	v.SetDefault("xero.requests_per_sec", 5)
	v.SetDefault("xero.burst", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("sync.max_attempts", 4)
	v.SetDefault("sync.token_buffer_secs", 300)
	v.SetDefault("sync.max_concurrent_tenants", 4)
	v.SetDefault("analysis.concurrency", 5)
	v.SetDefault("analysis.max_failovers", 3)
	v.SetDefault("budget.ceiling_usd", 50.0)
	v.SetDefault("budget.period_days", 30)

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
