package dispatch

import (
	"context"
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

// FetchFunc loads the value for key from the backing source. It should
// honour ctx: ctx is cancelled when the attempt times out or the job is
// cancelled. Wrap errors with Permanent to skip retries.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Metrics exposes dispatcher observability hooks.
type Metrics interface {
	FetchStarted()
	FetchFinished(ok bool, took time.Duration)
	Coalesced()
	Retry()
	Running(n int)
}

// NoopMetrics is the default Metrics implementation.
type NoopMetrics struct{}

func (NoopMetrics) FetchStarted()                     {}
func (NoopMetrics) FetchFinished(bool, time.Duration) {}
func (NoopMetrics) Coalesced()                        {}
func (NoopMetrics) Retry()                            {}
func (NoopMetrics) Running(int)                       {}

var _ Metrics = NoopMetrics{}

// DefaultMaxConcurrency is used when Options.MaxConcurrency <= 0.
const DefaultMaxConcurrency = 16

// Options configures a Dispatcher. Zero values are safe:
//   - MaxConcurrency <= 0 => DefaultMaxConcurrency
//   - MaxRetries <= 0     => a single attempt
//   - BaseBackoff <= 0    => retries run back to back
//   - retention <= 0      => terminal jobs are dropped immediately
//   - FetchTimeout <= 0   => attempts have no deadline
type Options struct {
	// MaxConcurrency bounds how many jobs run at once process-wide.
	MaxConcurrency int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseBackoff is the delay before the first retry; retry n waits
	// BaseBackoff * 2^n.
	BaseBackoff time.Duration

	// SuccessRetention keeps a succeeded job's value for late callers.
	SuccessRetention time.Duration

	// FailureRetention keeps a failed job's error for late callers, so a
	// burst of calls does not retry past an exhausted budget. Usually
	// shorter than SuccessRetention.
	FailureRetention time.Duration

	// FetchTimeout bounds each attempt. A timed-out attempt is a transient
	// failure, and a value returned after the deadline is discarded.
	FetchTimeout time.Duration

	Metrics Metrics
	Logger  logging.Logger
}
