// Package prom exports gatekeep component metrics to Prometheus.
//
// Each adapter implements the Metrics interface of one component:
//
//	reg := prometheus.NewRegistry()
//	store := cache.New[string, []byte](cache.Options[string, []byte]{
//		Capacity: 10_000,
//		Metrics:  prom.NewCache(reg, "gatekeep", "cache", nil),
//	})
//
// All Prometheus metric types are goroutine-safe, so are the adapters.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/gatekeep/cache"
)

// CacheAdapter implements cache.Metrics.
type CacheAdapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	evicts  *prometheus.CounterVec
	entries prometheus.Gauge
}

// NewCache constructs a cache metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewCache(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *CacheAdapter {
	a := &CacheAdapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses, including expired entries",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
	}
	registerer(reg).MustRegister(a.hits, a.misses, a.evicts, a.entries)
	return a
}

func (a *CacheAdapter) Hit()  { a.hits.Inc() }
func (a *CacheAdapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label ("lru" or "expired").
func (a *CacheAdapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

func (a *CacheAdapter) Size(entries int) { a.entries.Set(float64(entries)) }

var _ cache.Metrics = (*CacheAdapter)(nil)

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}
