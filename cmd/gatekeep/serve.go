package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/gatekeep/config"
	"github.com/IvanBrykalov/gatekeep/dispatch"
	"github.com/IvanBrykalov/gatekeep/gateway"
	"github.com/IvanBrykalov/gatekeep/logging"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP demo service",
	Long: `Run an HTTP service that serves keys from a simulated slow source
through the gateway.

Endpoints:
  GET /items/{key}   value for key (rate limited per client)
  GET /status        JSON snapshot of cache, limiter and dispatcher
  GET /metrics       Prometheus metrics (path configurable)

The client is identified by the first X-Forwarded-For hop, or the remote
address when the header is absent.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config without starting the server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Log.Level = serveFlags.logLevel
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	if serveFlags.dryRun {
		cmd.Println("configuration valid")
		return nil
	}

	log, flush, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw, err := buildGateway(cfg, reg, log)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	src := newSimSource(cfg.Source.Latency, cfg.Source.FailureRate, time.Now().UnixNano())
	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      newHandler(gw, src.Fetch, reg, cfg.Server.MetricsPath, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Stats.Schedule != "" {
		reporter := cron.New()
		if _, err := reporter.AddFunc(cfg.Stats.Schedule, func() { logStats(log, gw, src) }); err != nil {
			return err
		}
		reporter.Start()
		defer func() { <-reporter.Stop().Done() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gatekeep: listening", logging.Fields{
			"addr":    cfg.Server.ListenAddress,
			"metrics": cfg.Server.MetricsPath,
		})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("gatekeep: shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func logStats(log logging.Logger, gw *gateway.Gateway[[]byte], src *simSource) {
	st := gw.Stats()
	log.Info("gatekeep: stats", logging.Fields{
		"cache_hits":         st.Cache.Hits,
		"cache_misses":       st.Cache.Misses,
		"cache_size":         st.Cache.Size,
		"cache_avg_latency":  st.Cache.AverageLatency.String(),
		"clients_total":      st.Limiter.TotalClients,
		"clients_active":     st.Limiter.ActiveClients,
		"dispatch_in_flight": st.Dispatch.InFlight,
		"dispatch_fetches":   st.Dispatch.Fetches,
		"dispatch_coalesced": st.Dispatch.Coalesced,
		"dispatch_failures":  st.Dispatch.Failures,
		"source_calls":       src.Calls(),
	})
}

// handler serves the demo endpoints over a gateway.
type handler struct {
	gw    *gateway.Gateway[[]byte]
	fetch dispatch.FetchFunc[string, []byte]
	log   logging.Logger
}

func newHandler(gw *gateway.Gateway[[]byte], fetch dispatch.FetchFunc[string, []byte], gatherer prometheus.Gatherer, metricsPath string, log logging.Logger) http.Handler {
	h := &handler{gw: gw, fetch: fetch, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{key}", h.item)
	mux.HandleFunc("GET /status", h.status)
	mux.Handle("GET "+metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (h *handler) item(w http.ResponseWriter, r *http.Request) {
	client := clientID(r)
	key := r.PathValue("key")

	v, res, err := h.gw.Get(r.Context(), client, key, h.fetch)
	setRateLimitHeaders(w, res)

	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(v)
	case errors.Is(err, ratelimit.ErrLimited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res, time.Now())))
		writeError(w, http.StatusTooManyRequests, err)
	default:
		code := errorStatus(err)
		if code == http.StatusBadGateway {
			h.log.Warn("gatekeep: fetch failed", logging.Fields{"client": client, "key": key, "error": err.Error()})
		}
		writeError(w, code, err)
	}
}

// errorStatus maps a non-limit gateway error to an HTTP status. Cancelled
// jobs also carry context.Canceled, so they are matched first.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrClosed), errors.Is(err, dispatch.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.gw.Stats())
}

// clientID is the first X-Forwarded-For hop, or the host of the remote
// address.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(res ratelimit.Result, now time.Time) int {
	return int(math.Ceil(res.RetryAfter(now).Seconds()))
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
