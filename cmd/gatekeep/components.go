package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/gatekeep/cache"
	"github.com/IvanBrykalov/gatekeep/config"
	"github.com/IvanBrykalov/gatekeep/dispatch"
	"github.com/IvanBrykalov/gatekeep/gateway"
	"github.com/IvanBrykalov/gatekeep/logging"
	lrlogrus "github.com/IvanBrykalov/gatekeep/logging/logrus"
	lzap "github.com/IvanBrykalov/gatekeep/logging/zap"
	"github.com/IvanBrykalov/gatekeep/metrics/prom"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

const metricsNamespace = "gatekeep"

// newLogger builds the configured backend. The returned func flushes it.
func newLogger(c config.LogConfig) (logging.Logger, func(), error) {
	switch c.Backend {
	case "zap":
		l, err := lzap.New(c.Level)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.L.Sync() }, nil
	case "logrus":
		l, err := lrlogrus.New(c.Level)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", c.Backend)
	}
}

// buildGateway wires the three components from cfg. With a nil reg no
// Prometheus metrics are exported.
func buildGateway(cfg *config.Config, reg prometheus.Registerer, log logging.Logger) (*gateway.Gateway[[]byte], error) {
	var (
		cm cache.Metrics     = cache.NoopMetrics{}
		lm ratelimit.Metrics = ratelimit.NoopMetrics{}
		dm dispatch.Metrics  = dispatch.NoopMetrics{}
	)
	if reg != nil {
		cm = prom.NewCache(reg, metricsNamespace, "cache", nil)
		lm = prom.NewLimiter(reg, metricsNamespace, "ratelimit", nil)
		dm = prom.NewDispatch(reg, metricsNamespace, "dispatch", nil)
	}

	limiter, err := ratelimit.New(cfg.RateLimit.LimiterConfig(), cfg.RateLimit.LimiterOptions(lm, log))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	store := cache.New[string, []byte](config.CacheOptions[[]byte](cfg.Cache, cm, log))
	disp := dispatch.New[string, []byte](cfg.Dispatch.DispatchOptions(dm, log))

	return gateway.New(limiter, store, disp, gateway.Options{Logger: log}), nil
}
