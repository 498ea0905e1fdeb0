// Gatekeep is an in-process admission and read-through layer for slow data
// sources: a per-client rate limiter, an LRU+TTL cache and a coalescing,
// bounded, retrying fetch dispatcher.
//
// Usage:
//
//	# Run the HTTP demo service with defaults
//	gatekeep serve
//
//	# Run with a configuration file
//	gatekeep serve --config /etc/gatekeep.yaml
//
//	# Drive a synthetic Zipf workload through the gateway
//	gatekeep bench --duration 10s --workers 32
package main

func main() {
	Execute()
}
