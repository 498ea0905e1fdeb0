package cache

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

// Store is a capacity-bounded in-memory KV store with per-entry TTL and LRU
// eviction. All methods are safe for concurrent use by multiple goroutines.
type Store[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu   sync.Mutex
	m    map[K]*node[K, V]
	head *node[K, V] // MRU
	tail *node[K, V] // LRU
	len  int
	cap  int
	exp  expiryHeap[K, V]

	hits   uint64
	misses uint64
	lat    latencyRing

	opt    Options[K, V]
	closed atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Hits           uint64        `json:"hits"`
	Misses         uint64        `json:"misses"`
	Size           int           `json:"size"`
	MaxSize        int           `json:"max_size"`
	AverageLatency time.Duration `json:"average_latency"`
}

// New constructs a store with the provided Options and starts the background
// sweeper when CleanupInterval > 0. Call Close to stop it.
func New[K comparable, V any](opt Options[K, V]) *Store[K, V] {
	if opt.Capacity <= 0 {
		panic("cache: Capacity must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Nop{}
	}
	if opt.SweepBatch <= 0 {
		opt.SweepBatch = DefaultSweepBatch
	}
	if opt.LatencyWindow <= 0 {
		opt.LatencyWindow = DefaultLatencyWindow
	}

	s := &Store[K, V]{
		m:    make(map[K]*node[K, V], opt.Capacity),
		cap:  opt.Capacity,
		lat:  newLatencyRing(opt.LatencyWindow),
		opt:  opt,
		stop: make(chan struct{}),
	}
	if opt.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(opt.CleanupInterval)
	}
	return s
}

// Get returns the value for k and a presence flag. A hit refreshes the
// entry's last access time. Expired entries are reported absent and evicted.
func (s *Store[K, V]) Get(k K) (V, bool) {
	var zero V
	if s.closed.Load() {
		return zero, false
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked(start)

	n, ok := s.m[k]
	if !ok {
		s.missLocked()
		return zero, false
	}
	now := s.now()
	if n.expired(now) {
		s.evictLocked(n, EvictExpired)
		s.opt.Metrics.Size(s.len)
		s.missLocked()
		return zero, false
	}

	n.lastAccess = now
	s.moveToFront(n)
	s.hits++
	s.opt.Metrics.Hit()
	return n.val, true
}

// Set inserts or updates k→v using DefaultTTL.
func (s *Store[K, V]) Set(k K, v V) {
	s.SetWithTTL(k, v, s.opt.DefaultTTL)
}

// SetWithTTL inserts or updates k→v with a per-entry TTL.
// A non-positive ttl disables expiration for this entry.
func (s *Store[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	if s.closed.Load() {
		return
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked(start)

	now := s.now()
	var exp int64
	if ttl > 0 {
		exp = now + int64(ttl)
	}

	if n, ok := s.m[k]; ok {
		n.val = v
		n.insertedAt = now
		n.lastAccess = now
		s.setDeadlineLocked(n, exp)
		s.moveToFront(n)
		return
	}

	s.sweepLocked(now, s.opt.SweepBatch)
	if s.len >= s.cap {
		s.makeRoomLocked(now)
	}

	n := &node[K, V]{key: k, val: v, insertedAt: now, lastAccess: now, hidx: -1}
	s.m[k] = n
	s.insertFront(n)
	s.setDeadlineLocked(n, exp)

	s.checkLocked()
	s.opt.Metrics.Size(s.len)
}

// Delete removes k if present and reports whether it was present.
func (s *Store[K, V]) Delete(k K) bool {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observeLocked(start)

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.unlinkLocked(n)
	s.opt.Metrics.Size(s.len)
	return true
}

// Clear removes every entry and resets the hit/miss counters in one step.
// Eviction callbacks are not invoked.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[K]*node[K, V], s.cap)
	s.head, s.tail = nil, nil
	s.len = 0
	s.exp = nil
	s.hits, s.misses = 0, 0
	s.opt.Metrics.Size(0)
}

// Len returns the number of resident entries, including expired entries not
// yet reclaimed.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// Stats returns a consistent snapshot of the store counters.
func (s *Store[K, V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:           s.hits,
		Misses:         s.misses,
		Size:           s.len,
		MaxSize:        s.cap,
		AverageLatency: s.lat.average(),
	}
}

// Close stops the background sweeper and marks the store closed.
// Later writes are ignored and reads miss. Safe to call multiple times.
func (s *Store[K, V]) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	s.wg.Wait()
	return nil
}

// -------------------- internals (mu held) --------------------

func (s *Store[K, V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (s *Store[K, V]) missLocked() {
	s.misses++
	s.opt.Metrics.Miss()
}

func (s *Store[K, V]) observeLocked(start time.Time) {
	s.lat.add(time.Since(start))
}

// setDeadlineLocked updates n's deadline and its membership in the expiry heap.
func (s *Store[K, V]) setDeadlineLocked(n *node[K, V], exp int64) {
	n.exp = exp
	switch {
	case exp == 0 && n.hidx >= 0:
		heap.Remove(&s.exp, n.hidx)
	case exp != 0 && n.hidx >= 0:
		heap.Fix(&s.exp, n.hidx)
	case exp != 0:
		heap.Push(&s.exp, n)
	}
}

// sweepLocked reclaims up to limit expired entries, earliest deadline first.
func (s *Store[K, V]) sweepLocked(now int64, limit int) int {
	removed := 0
	for removed < limit {
		n := s.exp.peek()
		if n == nil || !n.expired(now) {
			break
		}
		s.evictLocked(n, EvictExpired)
		removed++
	}
	return removed
}

// makeRoomLocked frees one slot, preferring a dead entry over a live one.
func (s *Store[K, V]) makeRoomLocked(now int64) {
	if s.sweepLocked(now, 1) == 1 {
		return
	}
	if s.tail != nil {
		s.evictLocked(s.tail, EvictLRU)
	}
}

// evictLocked removes n, updates metrics, and calls OnEvict.
func (s *Store[K, V]) evictLocked(n *node[K, V], reason EvictReason) {
	s.unlinkLocked(n)
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

// unlinkLocked removes n from the index, the list and the expiry heap.
func (s *Store[K, V]) unlinkLocked(n *node[K, V]) {
	if n.hidx >= 0 {
		heap.Remove(&s.exp, n.hidx)
	}
	s.removeNode(n)
	delete(s.m, n.key)
}

// checkLocked panics when capacity accounting has drifted.
func (s *Store[K, V]) checkLocked() {
	if s.len > s.cap || s.len != len(s.m) || len(s.exp) > s.len {
		panic(fmt.Sprintf("cache: accounting drift: len=%d cap=%d index=%d heap=%d",
			s.len, s.cap, len(s.m), len(s.exp)))
	}
}

// insertFront inserts n at MRU in O(1).
func (s *Store[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
}

// moveToFront promotes n to MRU in O(1).
func (s *Store[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// removeNode detaches n from the list in O(1).
func (s *Store[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
}
