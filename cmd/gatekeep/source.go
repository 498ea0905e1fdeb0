package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

var errSourceUnavailable = errors.New("source: temporarily unavailable")

// simSource stands in for a slow backing data source. Each fetch takes
// latency and fails transiently with probability failureRate.
type simSource struct {
	latency     time.Duration
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand

	calls atomic.Uint64
}

func newSimSource(latency time.Duration, failureRate float64, seed int64) *simSource {
	return &simSource{
		latency:     latency,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *simSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	n := s.calls.Add(1)

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	fail := s.rng.Float64() < s.failureRate
	s.mu.Unlock()
	if fail {
		return nil, errSourceUnavailable
	}
	return []byte(fmt.Sprintf("value of %s (fetch #%d at %s)", key, n, time.Now().UTC().Format(time.RFC3339Nano))), nil
}

func (s *simSource) Calls() uint64 { return s.calls.Load() }
