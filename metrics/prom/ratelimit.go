package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

// LimiterAdapter implements ratelimit.Metrics.
type LimiterAdapter struct {
	allowed prometheus.Counter
	denied  *prometheus.CounterVec
	clients prometheus.Gauge
}

// NewLimiter constructs a rate limiter metrics adapter. Arguments follow NewCache.
func NewLimiter(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *LimiterAdapter {
	a := &LimiterAdapter{
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "allowed_total",
			Help:        "Requests admitted by the rate limiter",
			ConstLabels: constLabels,
		}),
		denied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "denied_total",
				Help:        "Requests denied by the rate limiter, by constraining window",
				ConstLabels: constLabels,
			},
			[]string{"window"},
		),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "clients",
			Help:        "Clients tracked after the last sweep",
			ConstLabels: constLabels,
		}),
	}
	registerer(reg).MustRegister(a.allowed, a.denied, a.clients)
	return a
}

func (a *LimiterAdapter) Allowed()             { a.allowed.Inc() }
func (a *LimiterAdapter) Denied(window string) { a.denied.WithLabelValues(window).Inc() }
func (a *LimiterAdapter) Clients(total int)    { a.clients.Set(float64(total)) }

var _ ratelimit.Metrics = (*LimiterAdapter)(nil)
