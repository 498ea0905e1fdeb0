package cache

import (
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

// sweepLoop periodically reclaims expired entries so memory is released even
// without write traffic. The lock is taken once per removed entry.
func (s *Store[K, V]) sweepLoop(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweepExpired(); n > 0 {
				s.opt.Logger.Debug("cache: swept expired entries", logging.Fields{"removed": n})
			}
		}
	}
}

// sweepExpired removes every currently expired entry, one per lock
// acquisition, and returns how many were removed.
func (s *Store[K, V]) sweepExpired() int {
	removed := 0
	for {
		select {
		case <-s.stop:
			return removed
		default:
		}

		s.mu.Lock()
		n := s.sweepLocked(s.now(), 1)
		if n > 0 {
			s.opt.Metrics.Size(s.len)
		}
		s.mu.Unlock()

		if n == 0 {
			return removed
		}
		removed += n
	}
}

// latencyRing keeps the most recent operation latencies for Stats.
// Guarded by the store lock.
type latencyRing struct {
	buf  []time.Duration
	next int
	n    int
	sum  time.Duration
}

func newLatencyRing(size int) latencyRing {
	return latencyRing{buf: make([]time.Duration, size)}
}

func (r *latencyRing) add(d time.Duration) {
	if r.n == len(r.buf) {
		r.sum -= r.buf[r.next]
	} else {
		r.n++
	}
	r.buf[r.next] = d
	r.sum += d
	r.next = (r.next + 1) % len(r.buf)
}

func (r *latencyRing) average() time.Duration {
	if r.n == 0 {
		return 0
	}
	return r.sum / time.Duration(r.n)
}
