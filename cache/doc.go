// Package cache provides a generic, capacity-bounded in-memory store with
// per-entry TTL and LRU eviction.
//
// Design
//
//   - Concurrency: a single mutex guards the key index, the recency list and
//     the expiry heap. Every operation is a short, non-blocking critical
//     section; nothing suspends while holding the lock.
//
//   - Storage: a map[K]*node for lookups and an intrusive MRU↔LRU doubly
//     linked list for ordering. TTL-bearing nodes are also tracked in a
//     min-heap keyed by deadline, so the earliest-expiring entry is found in
//     O(1) and removed in O(log n).
//
//   - TTL: an entry is visible only while now < insertedAt+ttl. Expired
//     entries are never returned, even before they are physically removed.
//
//   - Eviction: before inserting a new key the store reclaims up to
//     SweepBatch expired entries. If it is still full it evicts an expired
//     entry when one remains, otherwise the least recently used entry.
//
//   - Sweeper: when CleanupInterval > 0 a background goroutine removes
//     expired entries one lock acquisition at a time.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals.
//     NoopMetrics is the default; see metrics/prom for a Prometheus adapter.
//
// Basic usage
//
//	s := cache.New[string, []byte](cache.Options[string, []byte]{
//	    Capacity:        10_000,
//	    DefaultTTL:      30 * time.Second,
//	    CleanupInterval: time.Second,
//	})
//	defer s.Close()
//	s.Set("a", []byte("1"))
//	if v, ok := s.Get("a"); ok {
//	    _ = v
//	}
//
// A miss is a normal (zero, false) return, never an error.
package cache
