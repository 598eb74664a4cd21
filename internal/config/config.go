package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/executor"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/scrape"
	"github.com/sells-group/siteintel/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Scrape  ScrapeConfig  `yaml:"scrape" mapstructure:"scrape"`
	Jina    JinaConfig    `yaml:"jina" mapstructure:"jina"`
	Pricing cost.Rates    `yaml:"pricing" mapstructure:"pricing"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	LockTTL     time.Duration    `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ScrapeConfig configures the scraper layer and its fetchers.
type ScrapeConfig struct {
	HTTP           scrape.HTTPConfig        `yaml:"http" mapstructure:"http"`
	Browser        scrape.BrowserConfig     `yaml:"browser" mapstructure:"browser"`
	Layer          scrape.LayerConfig       `yaml:"layer" mapstructure:"layer"`
	Breaker        resilience.BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	MaxURLs        int                      `yaml:"max_urls" mapstructure:"max_urls"`
	MaxDiscovered  int                      `yaml:"max_discovered" mapstructure:"max_discovered"`
	SignaturesFile string                   `yaml:"signatures_file" mapstructure:"signatures_file"`
	// Types lists the scraper types to register. Empty registers all.
	Types []string `yaml:"types" mapstructure:"types"`
}

// JinaConfig holds Jina AI Reader settings for the ai scraper.
type JinaConfig struct {
	Key     string        `yaml:"key" mapstructure:"key"`
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SessionConfig holds session lifecycle policy.
type SessionConfig struct {
	MaxPhase           int           `yaml:"max_phase" mapstructure:"max_phase"`
	DefaultBudget      float64       `yaml:"default_budget" mapstructure:"default_budget"`
	LockReleaseTimeout time.Duration `yaml:"lock_release_timeout" mapstructure:"lock_release_timeout"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
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
	v.SetEnvPrefix("SITEINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "siteintel.db")
	v.SetDefault("store.lock_ttl", store.DefaultLockTTL)
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("session.max_phase", 5)
	v.SetDefault("session.default_budget", 0)
	v.SetDefault("session.lock_release_timeout", 5*time.Second)
	v.SetDefault("scrape.max_urls", executor.DefaultMaxURLs)
	v.SetDefault("scrape.max_discovered", scrape.DefaultMaxDiscovered)
	v.SetDefault("scrape.http.user_agent", scrape.DefaultUserAgent)
	v.SetDefault("scrape.http.timeout", 15*time.Second)
	v.SetDefault("scrape.http.respect_robots", true)
	v.SetDefault("scrape.browser.max_tabs", 4)
	v.SetDefault("scrape.browser.navigation_timeout", 45*time.Second)
	v.SetDefault("scrape.layer.concurrency", 4)
	v.SetDefault("scrape.layer.per_host_rps", 2)
	v.SetDefault("scrape.layer.per_host_burst", 1)
	v.SetDefault("scrape.layer.retry.attempts", 3)
	v.SetDefault("scrape.layer.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("scrape.layer.retry.max_backoff", 10*time.Second)
	v.SetDefault("scrape.breaker.threshold", 3)
	v.SetDefault("scrape.breaker.window", 30*time.Second)
	v.SetDefault("scrape.breaker.cooldown", time.Minute)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.timeout", 60*time.Second)

	rates := cost.DefaultRates()
	perPage := make(map[string]any, len(rates.PerPage))
	for k, r := range rates.PerPage {
		perPage[k] = r
	}
	v.SetDefault("pricing.per_page", perPage)
	v.SetDefault("pricing.overhead", rates.Overhead)
	v.SetDefault("pricing.tiers.cheap", rates.Tiers.Cheap)
	v.SetDefault("pricing.tiers.moderate", rates.Tiers.Moderate)
	v.SetDefault("pricing.tiers.expensive", rates.Tiers.Expensive)
	v.SetDefault("pricing.max_plausible_cost", rates.MaxPlausibleCost)

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

// Executor returns the executor settings drawn from the session and scrape
// sections.
func (c *Config) Executor() executor.Config {
	return executor.Config{
		MaxURLs:            c.Scrape.MaxURLs,
		DefaultBudget:      c.Session.DefaultBudget,
		LockReleaseTimeout: c.Session.LockReleaseTimeout,
	}
}

// Validate checks the settings a command mode depends on. Modes: run, serve,
// migrate.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "run", "serve", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	if mode != "migrate" {
		if c.Session.MaxPhase < 1 {
			add("session.max_phase must be >= 1")
		}
		if c.Session.DefaultBudget < 0 {
			add("session.default_budget must be >= 0")
		}
		if c.Scrape.MaxURLs < 1 || c.Scrape.MaxURLs > 500 {
			add("scrape.max_urls must be between 1 and 500")
		}
		for _, t := range c.Scrape.Types {
			if _, err := model.ParseScraperType(t); err != nil {
				add("scrape.types: %v", err)
			}
		}
		for st, rate := range c.Pricing.PerPage {
			if rate < 0 {
				add("pricing.per_page.%s must be >= 0", st)
			}
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		add("server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
