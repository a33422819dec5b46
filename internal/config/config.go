// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagerisk/internal/analyzer"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Auth     AuthConfig      `mapstructure:"auth"`
	Scanner  ScannerConfig   `mapstructure:"scanner"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Headless HeadlessConfig  `mapstructure:"headless"`
	Analysis analyzer.Config `mapstructure:"analysis"`
	Storage  StorageConfig   `mapstructure:"storage"`
	DB       DBConfig        `mapstructure:"db"`
	PubSub   PubSubConfig    `mapstructure:"pubsub"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScannerConfig governs the scan pipeline and the async job workers.
type ScannerConfig struct {
	Concurrency         int      `mapstructure:"concurrency"`
	QueueDepth          int      `mapstructure:"queue_depth"`
	MaxURLsPerJob       int      `mapstructure:"max_urls_per_job"`
	UserAgent           string   `mapstructure:"user_agent"`
	RateLimitRPS        float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int      `mapstructure:"rate_limit_burst"`
	BlockPrivateTargets bool     `mapstructure:"block_private_targets"`
	DenyHosts           []string `mapstructure:"deny_hosts"`
}

// HTTPConfig configures the simple fetch strategy.
type HTTPConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
}

// HeadlessConfig configures the rendered fetch strategy.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ExecPath      string `mapstructure:"exec_path"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects where captured pages are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the report archive.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for verdict notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGERISK")
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
	analysis := analyzer.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("scanner.concurrency", 4)
	v.SetDefault("scanner.queue_depth", 64)
	v.SetDefault("scanner.max_urls_per_job", 100)
	v.SetDefault("scanner.user_agent", "")
	v.SetDefault("scanner.rate_limit_rps", 1.0)
	v.SetDefault("scanner.rate_limit_burst", 2)
	v.SetDefault("scanner.block_private_targets", false)
	v.SetDefault("scanner.deny_hosts", []string{})
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 15)
	v.SetDefault("analysis.weights.source_analysis", analysis.Weights.SourceAnalysis)
	v.SetDefault("analysis.weights.url_pattern", analysis.Weights.URLPattern)
	v.SetDefault("analysis.weights.history", analysis.Weights.History)
	v.SetDefault("analysis.weights.feed_flag", analysis.Weights.FeedFlag)
	v.SetDefault("analysis.malicious_threshold", analysis.MaliciousThreshold)
	v.SetDefault("analysis.suspicious_threshold", analysis.SuspiciousThreshold)
	v.SetDefault("analysis.external_script_limit", analysis.ExternalScriptLimit)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "scan_reports")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be > 0")
	}
	if c.Scanner.QueueDepth <= 0 {
		return fmt.Errorf("scanner.queue_depth must be > 0")
	}
	if c.Scanner.MaxURLsPerJob <= 0 {
		return fmt.Errorf("scanner.max_urls_per_job must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Enabled && c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	return nil
}

// SimpleTimeout is the hard deadline of one plain HTTP fetch.
func (c Config) SimpleTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout is the deadline of a single browser navigation attempt.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// RenderTimeout bounds the whole rendered strategy: both navigation attempts
// plus browser startup.
func (c Config) RenderTimeout() time.Duration {
	return 2*c.NavTimeout() + 5*time.Second
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
