package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/gatekeep/dispatch"
)

// DispatchAdapter implements dispatch.Metrics.
type DispatchAdapter struct {
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	duration  prometheus.Histogram
	coalesced prometheus.Counter
	retries   prometheus.Counter
	running   prometheus.Gauge
}

// NewDispatch constructs a dispatcher metrics adapter. Arguments follow NewCache.
func NewDispatch(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *DispatchAdapter {
	a := &DispatchAdapter{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "fetch_attempts_total",
			Help:        "Fetch attempts started, including retries",
			ConstLabels: constLabels,
		}),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "fetch_results_total",
				Help:        "Fetch attempts finished, by outcome",
				ConstLabels: constLabels,
			},
			[]string{"ok"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "fetch_duration_seconds",
			Help:        "Duration of single fetch attempts",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "coalesced_total",
			Help:        "Calls that joined an in-flight job",
			ConstLabels: constLabels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "retries_total",
			Help:        "Retries scheduled after transient failures",
			ConstLabels: constLabels,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "running_jobs",
			Help:        "Jobs holding an admission slot",
			ConstLabels: constLabels,
		}),
	}
	registerer(reg).MustRegister(a.started, a.finished, a.duration, a.coalesced, a.retries, a.running)
	return a
}

func (a *DispatchAdapter) FetchStarted() { a.started.Inc() }

func (a *DispatchAdapter) FetchFinished(ok bool, took time.Duration) {
	a.finished.WithLabelValues(strconv.FormatBool(ok)).Inc()
	a.duration.Observe(took.Seconds())
}

func (a *DispatchAdapter) Coalesced()    { a.coalesced.Inc() }
func (a *DispatchAdapter) Retry()        { a.retries.Inc() }
func (a *DispatchAdapter) Running(n int) { a.running.Set(float64(n)) }

var _ dispatch.Metrics = (*DispatchAdapter)(nil)
