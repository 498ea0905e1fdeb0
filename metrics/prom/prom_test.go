package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/IvanBrykalov/gatekeep/cache"
	"github.com/IvanBrykalov/gatekeep/dispatch"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

func TestCacheAdapter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewCache(reg, "gk", "cache", prometheus.Labels{"app": "test"})

	s := cache.New[string, int](cache.Options[string, int]{Capacity: 2, Metrics: m})
	t.Cleanup(func() { _ = s.Close() })

	s.Set("a", 1)
	s.Set("b", 2)
	s.Get("a")
	s.Get("zzz")
	s.Set("c", 3) // evicts b

	if got := testutil.ToFloat64(m.hits); got != 1 {
		t.Fatalf("hits=%v", got)
	}
	if got := testutil.ToFloat64(m.misses); got != 1 {
		t.Fatalf("misses=%v", got)
	}
	if got := testutil.ToFloat64(m.evicts.WithLabelValues("lru")); got != 1 {
		t.Fatalf("lru evictions=%v", got)
	}
	if got := testutil.ToFloat64(m.entries); got != 2 {
		t.Fatalf("size=%v", got)
	}
	if n := testutil.CollectAndCount(reg); n != 4 {
		t.Fatalf("want 4 series registered, got %d", n)
	}
}

func TestLimiterAdapter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewLimiter(reg, "gk", "ratelimit", nil)

	l, err := ratelimit.New(ratelimit.Config{
		Long:  ratelimit.Window{Count: 3, Duration: time.Minute},
		Burst: ratelimit.Window{Count: 2, Duration: time.Second},
	}, ratelimit.Options{Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	l.Allow("c")
	l.Allow("c")
	l.Allow("c")
	l.Sweep()

	if got := testutil.ToFloat64(m.allowed); got != 2 {
		t.Fatalf("allowed=%v", got)
	}
	if got := testutil.ToFloat64(m.denied.WithLabelValues(ratelimit.WindowBurst)); got != 1 {
		t.Fatalf("denied(burst)=%v", got)
	}
	if got := testutil.ToFloat64(m.clients); got != 1 {
		t.Fatalf("clients=%v", got)
	}
}

func TestDispatchAdapter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewDispatch(reg, "gk", "dispatch", nil)

	d := dispatch.New[string, int](dispatch.Options{MaxRetries: 1, Metrics: m})
	t.Cleanup(func() { _ = d.Close() })

	calls := 0
	_, err := d.Dispatch(context.Background(), "k", func(context.Context, string) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.started); got != 2 {
		t.Fatalf("started=%v", got)
	}
	if got := testutil.ToFloat64(m.finished.WithLabelValues("false")); got != 1 {
		t.Fatalf("failed attempts=%v", got)
	}
	if got := testutil.ToFloat64(m.finished.WithLabelValues("true")); got != 1 {
		t.Fatalf("successful attempts=%v", got)
	}
	if got := testutil.ToFloat64(m.retries); got != 1 {
		t.Fatalf("retries=%v", got)
	}
	// The slot is released just after waiters wake.
	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(m.running) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("running=%v", testutil.ToFloat64(m.running))
		}
		time.Sleep(time.Millisecond)
	}
}
