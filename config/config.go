package config

import (
	"time"

	"github.com/IvanBrykalov/gatekeep/cache"
	"github.com/IvanBrykalov/gatekeep/dispatch"
	"github.com/IvanBrykalov/gatekeep/logging"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

// Config is the root configuration of a gatekeep process.
type Config struct {
	// Server configures the HTTP front end of `gatekeep serve`.
	Server ServerConfig `yaml:"server"`

	// Log selects the logging backend and level.
	Log LogConfig `yaml:"log"`

	// Cache sizes the LRU+TTL store.
	Cache CacheConfig `yaml:"cache"`

	// RateLimit sets the per-client long and burst windows.
	RateLimit RateLimitConfig `yaml:"ratelimit"`

	// Dispatch bounds and retries fetches from the backing source.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Source shapes the simulated backing source used by the demo service.
	Source SourceConfig `yaml:"source"`

	// Stats schedules the periodic stats log line.
	Stats StatsConfig `yaml:"stats"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddress is "host:port". Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsPath serves Prometheus metrics. Default: "/metrics"
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig selects the logger.
type LogConfig struct {
	// Backend is "zap" or "logrus". Default: "zap"
	Backend string `yaml:"backend"`

	// Level is one of debug, info, warn, error. Default: "info"
	Level string `yaml:"level"`
}

// CacheConfig mirrors cache.Options.
type CacheConfig struct {
	Capacity        int           `yaml:"capacity"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SweepBatch      int           `yaml:"sweep_batch"`
}

// RateLimitConfig holds both windows and the idle sweep period.
type RateLimitConfig struct {
	Long          ratelimit.Window `yaml:"long"`
	Burst         ratelimit.Window `yaml:"burst"`
	SweepInterval time.Duration    `yaml:"sweep_interval"`
}

// DispatchConfig mirrors dispatch.Options.
type DispatchConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	SuccessRetention time.Duration `yaml:"success_retention"`
	FailureRetention time.Duration `yaml:"failure_retention"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// SourceConfig describes the simulated backing source.
type SourceConfig struct {
	// Latency is how long one simulated fetch takes.
	Latency time.Duration `yaml:"latency"`

	// FailureRate is the probability in [0, 1] that a fetch fails transiently.
	FailureRate float64 `yaml:"failure_rate"`
}

// StatsConfig schedules the stats reporter.
type StatsConfig struct {
	// Schedule is a cron spec or descriptor. Empty disables the reporter.
	// Default: "@every 30s"
	Schedule string `yaml:"schedule"`
}

// CacheOptions converts the cache section into store options.
func CacheOptions[V any](c CacheConfig, m cache.Metrics, l logging.Logger) cache.Options[string, V] {
	return cache.Options[string, V]{
		Capacity:        c.Capacity,
		DefaultTTL:      c.DefaultTTL,
		CleanupInterval: c.CleanupInterval,
		SweepBatch:      c.SweepBatch,
		Metrics:         m,
		Logger:          l,
	}
}

// LimiterConfig returns the windows enforced by the rate limiter.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{Long: c.Long, Burst: c.Burst}
}

// LimiterOptions converts the rate limit section into limiter options.
func (c RateLimitConfig) LimiterOptions(m ratelimit.Metrics, l logging.Logger) ratelimit.Options {
	return ratelimit.Options{SweepInterval: c.SweepInterval, Metrics: m, Logger: l}
}

// DispatchOptions converts the dispatch section into dispatcher options.
func (c DispatchConfig) DispatchOptions(m dispatch.Metrics, l logging.Logger) dispatch.Options {
	return dispatch.Options{
		MaxConcurrency:   c.MaxConcurrency,
		MaxRetries:       c.MaxRetries,
		BaseBackoff:      c.BaseBackoff,
		SuccessRetention: c.SuccessRetention,
		FailureRetention: c.FailureRetention,
		FetchTimeout:     c.FetchTimeout,
		Metrics:          m,
		Logger:           l,
	}
}
