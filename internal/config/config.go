// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oda-t/manga-scraper/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Imaging   ImagingConfig   `mapstructure:"imaging"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig controls the stats/metrics HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RateLimitConfig governs request pacing.
type RateLimitConfig struct {
	// Strategy selects the limiter variant: fixed, bucket, or adaptive.
	Strategy          string  `mapstructure:"strategy"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	BurstSize         int     `mapstructure:"burst_size"`
	MinRate           float64 `mapstructure:"min_rate"`
	MaxRate           float64 `mapstructure:"max_rate"`
}

// RetryConfig governs the retry executor.
type RetryConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	BaseDelayMs     int     `mapstructure:"base_delay_ms"`
	MaxDelayMs      int     `mapstructure:"max_delay_ms"`
	ExponentialBase float64 `mapstructure:"exponential_base"`
	Jitter          bool    `mapstructure:"jitter"`
}

// BreakerConfig governs the circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSec int `mapstructure:"recovery_timeout_seconds"`
}

// DedupConfig governs duplicate detection.
type DedupConfig struct {
	Perceptual          bool `mapstructure:"perceptual"`
	SimilarityThreshold int  `mapstructure:"similarity_threshold"`
	// SnapshotPath is the blob-store path where the detector index is
	// persisted between runs. Empty disables persistence.
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// ImagingConfig governs image transcoding.
type ImagingConfig struct {
	Quality           int `mapstructure:"quality"`
	MaxWidth          int `mapstructure:"max_width"`
	ThumbnailMaxWidth int `mapstructure:"thumbnail_max_width"`
	// HashAlgorithm selects the content hash: md5 or sha256.
	HashAlgorithm string `mapstructure:"hash_algorithm"`
}

// FetchConfig governs the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects and parameterizes the blob store backend.
type StorageConfig struct {
	// Backend is one of: local, memory, gcs.
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the metadata store connection. An empty DSN disables
// metadata persistence.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// PubSubConfig holds stored-image event publishing metadata.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// BaseDelay returns the configured politeness pause as a Duration.
func (c RateLimitConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// BaseDelay returns the backoff seed as a Duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a Duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// RecoveryTimeout returns the open-circuit cool-down as a Duration.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSec) * time.Second
}

// Load builds a Config from disk and environment. Environment variables use
// the MANGASCRAPER prefix with underscores, e.g. MANGASCRAPER_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MANGASCRAPER")
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

// Validate rejects configurations the components would refuse at runtime.
func (c Config) Validate() error {
	switch c.RateLimit.Strategy {
	case "fixed", "bucket", "adaptive":
	default:
		return fmt.Errorf("rate_limit.strategy must be fixed, bucket, or adaptive, got %q", c.RateLimit.Strategy)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if c.RateLimit.Strategy == "adaptive" && c.RateLimit.MinRate > c.RateLimit.MaxRate {
		return fmt.Errorf("rate_limit.min_rate %v exceeds max_rate %v", c.RateLimit.MinRate, c.RateLimit.MaxRate)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local, memory, or gcs, got %q", c.Storage.Backend)
	}
	if c.Imaging.Quality < 1 || c.Imaging.Quality > 100 {
		return fmt.Errorf("imaging.quality must be within 1-100, got %d", c.Imaging.Quality)
	}
	switch c.Imaging.HashAlgorithm {
	case "", "md5", "sha256":
	default:
		return fmt.Errorf("imaging.hash_algorithm must be md5 or sha256, got %q", c.Imaging.HashAlgorithm)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("rate_limit.strategy", "fixed")
	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.base_delay_ms", 0)
	v.SetDefault("rate_limit.burst_size", 1)
	v.SetDefault("rate_limit.min_rate", 0.1)
	v.SetDefault("rate_limit.max_rate", 5.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout_seconds", 60)
	v.SetDefault("dedup.perceptual", true)
	v.SetDefault("dedup.similarity_threshold", 5)
	v.SetDefault("imaging.quality", 85)
	v.SetDefault("imaging.max_width", 0)
	v.SetDefault("imaging.thumbnail_max_width", 300)
	v.SetDefault("imaging.hash_algorithm", "md5")
	v.SetDefault("fetch.user_agent", "manga-scraper/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "images")
	v.SetDefault("db.table_prefix", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}
