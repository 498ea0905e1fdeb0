package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/gatekeep/config"
	"github.com/IvanBrykalov/gatekeep/logging"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

var benchFlags struct {
	workers  int
	duration time.Duration
	clients  int

	keys  int
	zipfS float64
	zipfV float64
	seed  int64

	longCount  int
	burstCount int

	pprofAddr   string
	metricsAddr string
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive a synthetic Zipf workload through the gateway",
	Long: `Run worker goroutines that request Zipf-distributed keys on behalf of a
pool of clients, through the rate limiter, the cache and the dispatcher, against
the simulated source configured in the source section.

Reports throughput, cache hit rate, denied requests and how many fetches
actually reached the source.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	f := benchCmd.Flags()
	f.IntVar(&benchFlags.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	f.DurationVar(&benchFlags.duration, "duration", 10*time.Second, "benchmark duration")
	f.IntVar(&benchFlags.clients, "clients", 64, "number of distinct client IDs")
	f.IntVar(&benchFlags.keys, "keys", 100_000, "keyspace size")
	f.Float64Var(&benchFlags.zipfS, "zipf_s", 1.1, "Zipf s > 1 (skew)")
	f.Float64Var(&benchFlags.zipfV, "zipf_v", 1.0, "Zipf v")
	f.Int64Var(&benchFlags.seed, "seed", time.Now().UnixNano(), "random seed")
	f.IntVar(&benchFlags.longCount, "long-count", 0, "override ratelimit.long.count (0 = config)")
	f.IntVar(&benchFlags.burstCount, "burst-count", 0, "override ratelimit.burst.count (0 = config)")
	f.StringVar(&benchFlags.pprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	f.StringVar(&benchFlags.metricsAddr, "http", "", "serve Prometheus metrics at addr; empty = disabled")
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if benchFlags.longCount > 0 {
		cfg.RateLimit.Long.Count = benchFlags.longCount
	}
	if benchFlags.burstCount > 0 {
		cfg.RateLimit.Burst.Count = benchFlags.burstCount
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if benchFlags.keys < 1 || benchFlags.zipfS <= 1 || benchFlags.zipfV < 1 {
		return errors.New("bench: need keys >= 1, zipf_s > 1, zipf_v >= 1")
	}
	workers := max(benchFlags.workers, 1)
	clients := max(benchFlags.clients, 1)

	log, flush, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	// ---- pprof server (on DefaultServeMux) ----
	if benchFlags.pprofAddr != "" {
		go func() {
			log.Info("bench: pprof serving", logging.Fields{"addr": benchFlags.pprofAddr})
			_ = http.ListenAndServe(benchFlags.pprofAddr, nil)
		}()
	}

	// ---- Prometheus metrics ----
	var reg *prometheus.Registry
	if benchFlags.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("bench: metrics serving", logging.Fields{"addr": benchFlags.metricsAddr})
			_ = http.ListenAndServe(benchFlags.metricsAddr, mux)
		}()
	}

	var gwReg prometheus.Registerer
	if reg != nil {
		gwReg = reg
	}
	gw, err := buildGateway(cfg, gwReg, log)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	src := newSimSource(cfg.Source.Latency, cfg.Source.FailureRate, benchFlags.seed)

	// ---- Load generation ----
	var total, served, limited, failed atomic.Uint64
	ctx, cancel := context.WithTimeout(cmd.Context(), benchFlags.duration)
	defer cancel()

	keysMax := uint64(benchFlags.keys - 1)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(benchFlags.seed + int64(id)*9973))
			zipf := rand.NewZipf(r, benchFlags.zipfS, benchFlags.zipfV, keysMax)

			for ctx.Err() == nil {
				client := "client-" + strconv.Itoa(r.Intn(clients))
				key := "k:" + strconv.FormatUint(zipf.Uint64(), 10)

				total.Add(1)
				_, _, err := gw.Get(ctx, client, key, src.Fetch)
				switch {
				case err == nil:
					served.Add(1)
				case errors.Is(err, ratelimit.ErrLimited):
					limited.Add(1)
				case ctx.Err() != nil:
					// deadline reached mid-request
				default:
					failed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	st := gw.Stats()
	lookups := st.Cache.Hits + st.Cache.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(st.Cache.Hits) / float64(lookups) * 100
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workers=%d clients=%d keys=%d dur=%v seed=%d\n",
		workers, clients, benchFlags.keys, elapsed.Round(time.Millisecond), benchFlags.seed)
	fmt.Fprintf(out, "requests=%d (%.0f req/s)  served=%d  limited=%d  failed=%d\n",
		total.Load(), float64(total.Load())/elapsed.Seconds(), served.Load(), limited.Load(), failed.Load())
	fmt.Fprintf(out, "cache: hits=%d  misses=%d  hit-rate=%.2f%%  size=%d/%d  avg-op=%v\n",
		st.Cache.Hits, st.Cache.Misses, hitRate, st.Cache.Size, st.Cache.MaxSize, st.Cache.AverageLatency)
	fmt.Fprintf(out, "dispatch: fetches=%d  coalesced=%d  reused=%d  retries=%d  failures=%d  source-calls=%d\n",
		st.Dispatch.Fetches, st.Dispatch.Coalesced, st.Dispatch.Reused, st.Dispatch.Retries, st.Dispatch.Failures, src.Calls())
	return nil
}
