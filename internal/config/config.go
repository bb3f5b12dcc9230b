// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Crawler   CrawlerConfig             `mapstructure:"crawler"`
	Rate      RateConfig                `mapstructure:"rate"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Retry     RetryConfig               `mapstructure:"retry"`
	Robots    RobotsConfig              `mapstructure:"robots"`
	Content   ContentConfig             `mapstructure:"content"`
	Storage   StorageConfig             `mapstructure:"storage"`
	DB        DBConfig                  `mapstructure:"db"`
	PubSub    PubSubConfig              `mapstructure:"pubsub"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	RateRules map[string]DomainOverride `mapstructure:"rate_rules"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs worker pool and crawl defaults.
type CrawlerConfig struct {
	Workers          int      `mapstructure:"workers"`
	PerDomainMax     int      `mapstructure:"per_domain_max"`
	UserAgent        string   `mapstructure:"user_agent"`
	MaxDepthDefault  int      `mapstructure:"max_depth_default"`
	MaxPagesDefault  int      `mapstructure:"max_pages_default"`
	QueueDepth       int      `mapstructure:"queue_depth"`
	RequestTimeout   int      `mapstructure:"request_timeout_seconds"`
	TrackingParams   []string `mapstructure:"tracking_params"`
	Recrawl          bool     `mapstructure:"recrawl"`
	AcceptLanguage   string   `mapstructure:"accept_language"`
	QueueWorkerCount int      `mapstructure:"queue_workers"`
}

// RateConfig sets the per-domain token bucket defaults.
type RateConfig struct {
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MinDelayMs int     `mapstructure:"min_delay_ms"`
}

// DomainOverride replaces the global rate settings for one domain.
type DomainOverride struct {
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MinDelayMs int     `mapstructure:"min_delay_ms"`
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
	MaxCooldownSec   int `mapstructure:"max_cooldown_seconds"`
}

// RetryConfig bounds the fetch retry loop.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	BaseDelayMs    int     `mapstructure:"base_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	JitterFraction float64 `mapstructure:"jitter_fraction"`
}

// RobotsConfig controls the politeness governor.
type RobotsConfig struct {
	Respect         bool `mapstructure:"respect"`
	CacheTTLHours   int  `mapstructure:"cache_ttl_hours"`
	FetchTimeoutSec int  `mapstructure:"fetch_timeout_seconds"`
}

// ContentConfig sets the content filter policy.
type ContentConfig struct {
	AllowedTypes []string `mapstructure:"allowed_types"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
}

// StorageConfig selects and parameterizes the blob store backend.
type StorageConfig struct {
	// Backend is one of "gcs", "local", "memory".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls the Postgres sink. An empty DSN keeps sinks in memory.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	DocumentTable string `mapstructure:"document_table"`
	ErrorTable    string `mapstructure:"error_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds the job transport resources. An empty project keeps the
// queue in memory.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	JobTopic       string `mapstructure:"job_topic"`
	JobSub         string `mapstructure:"job_subscription"`
	ResultTopic    string `mapstructure:"result_topic"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.per_domain_max", 2)
	v.SetDefault("crawler.user_agent", "harvester-bot/1.0 (+https://github.com/harvestio/harvester)")
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 1000)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.queue_workers", 2)
	v.SetDefault("crawler.request_timeout_seconds", 30)
	v.SetDefault("crawler.recrawl", false)
	v.SetDefault("rate.rps", 1)
	v.SetDefault("rate.burst", 1)
	v.SetDefault("rate.min_delay_ms", 500)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.max_cooldown_seconds", 600)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.cache_ttl_hours", 24)
	v.SetDefault("robots.fetch_timeout_seconds", 10)
	v.SetDefault("content.max_body_bytes", 5<<20)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./data/pages")
	v.SetDefault("db.document_table", "documents")
	v.SetDefault("db.error_table", "crawl_errors")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be positive, got %d", c.Crawler.Workers)
	}
	if c.Crawler.PerDomainMax <= 0 {
		return fmt.Errorf("crawler.per_domain_max must be positive, got %d", c.Crawler.PerDomainMax)
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent is required")
	}
	if c.Rate.RPS < 0 {
		return fmt.Errorf("rate.rps must not be negative, got %f", c.Rate.RPS)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.JobSub == "" && c.PubSub.JobTopic == "" {
		return fmt.Errorf("pubsub.job_topic or pubsub.job_subscription is required when pubsub.project_id is set")
	}
	return nil
}

// Timeout returns the fetch timeout as a duration.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
