package cache

import (
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictLRU: removed as the least recently used live entry to make room.
	EvictLRU EvictReason = iota
	// EvictExpired: removed because its TTL elapsed (on access, on write
	// pressure, or by the background sweeper).
	EvictExpired
)

// String returns a stable label for r.
func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	default:
		return "lru"
	}
}

// Metrics exposes store-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Defaults applied by New for zero-valued fields.
const (
	DefaultSweepBatch    = 16
	DefaultLatencyWindow = 100
)

// Options configures the store. Zero values are safe; New applies:
//   - nil Metrics        => NoopMetrics
//   - nil Logger         => logging.Nop
//   - SweepBatch <= 0    => DefaultSweepBatch
//   - LatencyWindow <= 0 => DefaultLatencyWindow
type Options[K comparable, V any] struct {
	// Capacity is the maximum number of resident entries. Must be > 0.
	Capacity int

	// DefaultTTL applies to Set. A non-positive value disables expiration.
	DefaultTTL time.Duration

	// CleanupInterval is the period of the background expiry sweep.
	// Zero disables it; expired entries are still hidden from readers and
	// reclaimed on write pressure.
	CleanupInterval time.Duration

	// SweepBatch bounds how many expired entries a single write reclaims
	// before inserting.
	SweepBatch int

	// LatencyWindow is the number of most recent operations averaged by Stats.
	LatencyWindow int

	// OnEvict is called on eviction under the store lock; keep callbacks lightweight.
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics
	Logger  logging.Logger

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}
