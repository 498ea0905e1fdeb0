// Package config loads gatekeep configuration from YAML, applies defaults and
// GATEKEEP_* environment overrides, and validates the result.
//
// Example configuration:
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	log:
//	  backend: logrus
//	  level: debug
//	cache:
//	  capacity: 50000
//	  default_ttl: 2m
//	ratelimit:
//	  long:  {count: 10, duration: 60s}
//	  burst: {count: 5, duration: 10s}
//	dispatch:
//	  max_concurrency: 8
//	  max_retries: 3
//	  base_backoff: 100ms
//	stats:
//	  schedule: "@every 1m"
//
// Zero values mean "use the default", so a field cannot be configured to
// zero; dispatch.max_retries therefore defaults to DefaultMaxRetries.
package config
