package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "cache.capacity") or the
	// name of the offending environment variable.
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks cfg and returns a ValidationError listing every problem,
// or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLog(&cfg.Log)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateRateLimit(&cfg.RateLimit)...)
	errs = append(errs, validateDispatch(&cfg.Dispatch)...)
	errs = append(errs, validateSource(&cfg.Source)...)
	errs = append(errs, validateStats(&cfg.Stats)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(c *ServerConfig) []FieldError {
	var errs []FieldError
	if c.ListenAddress == "" {
		errs = append(errs, FieldError{"server.listen_address", "listen address is required"})
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, FieldError{"server.read_timeout", "must not be negative"})
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, FieldError{"server.write_timeout", "must not be negative"})
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{"server.shutdown_timeout", "must not be negative"})
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, FieldError{"server.metrics_path", "must start with /"})
	}
	return errs
}

func validateLog(c *LogConfig) []FieldError {
	var errs []FieldError
	switch c.Backend {
	case "zap", "logrus":
	default:
		errs = append(errs, FieldError{"log.backend", fmt.Sprintf("unknown backend %q (use zap or logrus)", c.Backend)})
	}
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"log.level", fmt.Sprintf("unknown level %q", c.Level)})
	}
	return errs
}

func validateCache(c *CacheConfig) []FieldError {
	var errs []FieldError
	if c.Capacity <= 0 {
		errs = append(errs, FieldError{"cache.capacity", "must be positive"})
	}
	if c.DefaultTTL < 0 {
		errs = append(errs, FieldError{"cache.default_ttl", "must not be negative"})
	}
	if c.CleanupInterval < 0 {
		errs = append(errs, FieldError{"cache.cleanup_interval", "must not be negative"})
	}
	if c.SweepBatch < 0 {
		errs = append(errs, FieldError{"cache.sweep_batch", "must not be negative"})
	}
	return errs
}

func validateRateLimit(c *RateLimitConfig) []FieldError {
	var errs []FieldError
	if err := c.LimiterConfig().Validate(); err != nil {
		errs = append(errs, FieldError{"ratelimit", err.Error()})
	}
	if c.SweepInterval < 0 {
		errs = append(errs, FieldError{"ratelimit.sweep_interval", "must not be negative"})
	}
	return errs
}

func validateDispatch(c *DispatchConfig) []FieldError {
	var errs []FieldError
	if c.MaxConcurrency <= 0 {
		errs = append(errs, FieldError{"dispatch.max_concurrency", "must be positive"})
	}
	if c.MaxRetries < 0 {
		errs = append(errs, FieldError{"dispatch.max_retries", "must not be negative"})
	}
	if c.BaseBackoff < 0 {
		errs = append(errs, FieldError{"dispatch.base_backoff", "must not be negative"})
	}
	if c.SuccessRetention < 0 {
		errs = append(errs, FieldError{"dispatch.success_retention", "must not be negative"})
	}
	if c.FailureRetention < 0 {
		errs = append(errs, FieldError{"dispatch.failure_retention", "must not be negative"})
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, FieldError{"dispatch.fetch_timeout", "must not be negative"})
	}
	return errs
}

func validateSource(c *SourceConfig) []FieldError {
	var errs []FieldError
	if c.Latency < 0 {
		errs = append(errs, FieldError{"source.latency", "must not be negative"})
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		errs = append(errs, FieldError{"source.failure_rate", "must be within [0, 1]"})
	}
	return errs
}

func validateStats(c *StatsConfig) []FieldError {
	if c.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return []FieldError{{"stats.schedule", err.Error()}}
	}
	return nil
}
