package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsPath     = "/metrics"

	// Log defaults
	DefaultLogBackend = "zap"
	DefaultLogLevel   = "info"

	// Cache defaults
	DefaultCacheCapacity        = 10_000
	DefaultCacheTTL             = 5 * time.Minute
	DefaultCacheCleanupInterval = 30 * time.Second

	// Rate limit defaults: 10 per minute, at most 5 per 10 seconds.
	DefaultLongCount    = 10
	DefaultLongWindow   = 60 * time.Second
	DefaultBurstCount   = 5
	DefaultBurstWindow  = 10 * time.Second
	DefaultLimiterSweep = time.Minute

	// Dispatch defaults
	DefaultMaxConcurrency   = 16
	DefaultMaxRetries       = 3
	DefaultBaseBackoff      = 100 * time.Millisecond
	DefaultSuccessRetention = time.Second
	DefaultFailureRetention = 250 * time.Millisecond
	DefaultFetchTimeout     = 5 * time.Second

	// Source defaults
	DefaultSourceLatency = 100 * time.Millisecond

	// Stats defaults
	DefaultStatsSchedule = "@every 30s"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	// Server
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = DefaultMetricsPath
	}

	// Log
	if cfg.Log.Backend == "" {
		cfg.Log.Backend = DefaultLogBackend
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	// Cache
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = DefaultCacheTTL
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = DefaultCacheCleanupInterval
	}

	// Rate limit
	if cfg.RateLimit.Long.Count == 0 {
		cfg.RateLimit.Long.Count = DefaultLongCount
	}
	if cfg.RateLimit.Long.Duration == 0 {
		cfg.RateLimit.Long.Duration = DefaultLongWindow
	}
	if cfg.RateLimit.Burst.Count == 0 {
		cfg.RateLimit.Burst.Count = DefaultBurstCount
	}
	if cfg.RateLimit.Burst.Duration == 0 {
		cfg.RateLimit.Burst.Duration = DefaultBurstWindow
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = DefaultLimiterSweep
	}

	// Dispatch
	if cfg.Dispatch.MaxConcurrency == 0 {
		cfg.Dispatch.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = DefaultMaxRetries
	}
	if cfg.Dispatch.BaseBackoff == 0 {
		cfg.Dispatch.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.Dispatch.SuccessRetention == 0 {
		cfg.Dispatch.SuccessRetention = DefaultSuccessRetention
	}
	if cfg.Dispatch.FailureRetention == 0 {
		cfg.Dispatch.FailureRetention = DefaultFailureRetention
	}
	if cfg.Dispatch.FetchTimeout == 0 {
		cfg.Dispatch.FetchTimeout = DefaultFetchTimeout
	}

	// Source
	if cfg.Source.Latency == 0 {
		cfg.Source.Latency = DefaultSourceLatency
	}

	// Stats
	if cfg.Stats.Schedule == "" {
		cfg.Stats.Schedule = DefaultStatsSchedule
	}
}
