package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GATEKEEP_CACHE_CAPACITY.
const EnvPrefix = "GATEKEEP_"

// Load reads the YAML file at path and returns the validated configuration.
// The sequence is:
//  1. Load YAML from file (skipped when path is empty)
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies GATEKEEP_SECTION_FIELD variables. Environment
// variables take precedence over the file. A malformed value is an error.
func applyEnvOverrides(cfg *Config) error {
	var errs []FieldError
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, FieldError{Field: EnvPrefix + name, Message: "must be an integer"})
				return
			}
			*dst = i
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, FieldError{Field: EnvPrefix + name, Message: "must be a duration"})
				return
			}
			*dst = d
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, FieldError{Field: EnvPrefix + name, Message: "must be a number"})
				return
			}
			*dst = f
		}
	}

	// Server
	str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	dur("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("SERVER_METRICS_PATH", &cfg.Server.MetricsPath)

	// Log
	str("LOG_BACKEND", &cfg.Log.Backend)
	str("LOG_LEVEL", &cfg.Log.Level)

	// Cache
	num("CACHE_CAPACITY", &cfg.Cache.Capacity)
	dur("CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	dur("CACHE_CLEANUP_INTERVAL", &cfg.Cache.CleanupInterval)
	num("CACHE_SWEEP_BATCH", &cfg.Cache.SweepBatch)

	// Rate limit
	num("RATELIMIT_LONG_COUNT", &cfg.RateLimit.Long.Count)
	dur("RATELIMIT_LONG_DURATION", &cfg.RateLimit.Long.Duration)
	num("RATELIMIT_BURST_COUNT", &cfg.RateLimit.Burst.Count)
	dur("RATELIMIT_BURST_DURATION", &cfg.RateLimit.Burst.Duration)
	dur("RATELIMIT_SWEEP_INTERVAL", &cfg.RateLimit.SweepInterval)

	// Dispatch
	num("DISPATCH_MAX_CONCURRENCY", &cfg.Dispatch.MaxConcurrency)
	num("DISPATCH_MAX_RETRIES", &cfg.Dispatch.MaxRetries)
	dur("DISPATCH_BASE_BACKOFF", &cfg.Dispatch.BaseBackoff)
	dur("DISPATCH_SUCCESS_RETENTION", &cfg.Dispatch.SuccessRetention)
	dur("DISPATCH_FAILURE_RETENTION", &cfg.Dispatch.FailureRetention)
	dur("DISPATCH_FETCH_TIMEOUT", &cfg.Dispatch.FetchTimeout)

	// Source
	dur("SOURCE_LATENCY", &cfg.Source.Latency)
	float("SOURCE_FAILURE_RATE", &cfg.Source.FailureRate)

	// Stats
	str("STATS_SCHEDULE", &cfg.Stats.Schedule)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
