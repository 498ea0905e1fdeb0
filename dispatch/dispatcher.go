package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/IvanBrykalov/gatekeep/internal/util"
	"github.com/IvanBrykalov/gatekeep/logging"
)

// Dispatcher coalesces concurrent fetches for the same key into one job,
// bounds how many jobs run at once, retries transient failures with
// exponential backoff and briefly retains outcomes for late callers.
//
// Concurrency notes:
//   - The first caller for a key creates the job; the fetch runs on its own
//     goroutine under a job context, never under a caller's ctx.
//   - Every caller, including the first, waits on job.done. Publishing
//     (val, err) happens-before close(done).
//   - Cancelling ctx unblocks only that caller. The job keeps running for
//     the remaining waiters; see Cancel to stop a job nobody waits for.
//   - mu guards the job table and job state; it is never held across a
//     fetch, a backoff or a semaphore wait.
type Dispatcher[K comparable, V any] struct {
	mu      sync.Mutex
	jobs    map[K]*job[V]
	running int
	closed  bool

	sem *semaphore.Weighted
	opt Options

	base   context.Context
	cancel context.CancelFunc

	fetches   util.PaddedCounter
	coalesced util.PaddedCounter
	reused    util.PaddedCounter
	retries   util.PaddedCounter
	failures  util.PaddedCounter
}

// Stats is a point-in-time snapshot of dispatcher state and counters.
type Stats struct {
	InFlight  int    `json:"in_flight"`
	Running   int    `json:"running"`
	Retained  int    `json:"retained"`
	Fetches   uint64 `json:"fetches"`
	Coalesced uint64 `json:"coalesced"`
	Reused    uint64 `json:"reused"`
	Retries   uint64 `json:"retries"`
	Failures  uint64 `json:"failures"`
}

// New constructs a dispatcher. See Options for defaults.
func New[K comparable, V any](opt Options) *Dispatcher[K, V] {
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = DefaultMaxConcurrency
	}
	if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Nop{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher[K, V]{
		jobs:   make(map[K]*job[V]),
		sem:    semaphore.NewWeighted(int64(opt.MaxConcurrency)),
		opt:    opt,
		base:   base,
		cancel: cancel,
	}
}

// Dispatch returns the value for key, fetching it with fetch unless a job
// for key is already in flight (the caller joins it) or a retained outcome
// is still fresh (returned as is). Failures are *FetchError.
//
// If ctx ends first Dispatch returns ctx.Err(); the job is not affected.
func (d *Dispatcher[K, V]) Dispatch(ctx context.Context, key K, fetch FetchFunc[K, V]) (V, error) {
	var zero V

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return zero, ErrClosed
		}
		j, ok := d.jobs[key]
		if !ok || !j.cancelled || j.state.terminal() {
			break
		}
		// A cancelled job is still unwinding. Let it finish before starting a
		// fresh one so fetches for key never overlap.
		d.mu.Unlock()
		select {
		case <-j.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	if j, ok := d.jobs[key]; ok {
		if !j.state.terminal() {
			j.waiters++
			d.mu.Unlock()
			d.coalesced.Add(1)
			d.opt.Metrics.Coalesced()
			return d.wait(ctx, j)
		}
		if d.freshLocked(j, time.Now()) {
			d.mu.Unlock()
			d.reused.Add(1)
			return j.val, j.err
		}
		d.dropLocked(key, j)
	}

	j := d.newJobLocked(key)
	d.mu.Unlock()

	go d.run(key, j, fetch)
	return d.wait(ctx, j)
}

// Cancel stops the in-flight job for key, but only when no caller is
// waiting on it. It reports whether a job was cancelled; ErrHasWaiters is
// returned when callers are still attached.
func (d *Dispatcher[K, V]) Cancel(key K) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[key]
	if !ok || j.state.terminal() || j.cancelled {
		return false, nil
	}
	if j.waiters > 0 {
		return false, ErrHasWaiters
	}
	j.cancelled = true
	j.cancel()
	return true, nil
}

// Forget drops a retained outcome for key so the next call fetches again.
// In-flight jobs are not affected.
func (d *Dispatcher[K, V]) Forget(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[key]; ok && j.state.terminal() {
		d.dropLocked(key, j)
	}
}

// State reports the state of the job currently tracked for key.
func (d *Dispatcher[K, V]) State(key K) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[key]
	if !ok {
		return 0, false
	}
	return j.state, true
}

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher[K, V]) Stats() Stats {
	d.mu.Lock()
	st := Stats{Running: d.running}
	for _, j := range d.jobs {
		if j.state.terminal() {
			st.Retained++
		} else {
			st.InFlight++
		}
	}
	d.mu.Unlock()

	st.Fetches = d.fetches.Load()
	st.Coalesced = d.coalesced.Load()
	st.Reused = d.reused.Load()
	st.Retries = d.retries.Load()
	st.Failures = d.failures.Load()
	return st
}

// Close cancels every in-flight job; their waiters receive ErrCancelled.
// Later calls to Dispatch return ErrClosed. Safe to call multiple times.
func (d *Dispatcher[K, V]) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	return nil
}

// ---- internals ----

func (d *Dispatcher[K, V]) newJobLocked(key K) *job[V] {
	ctx, cancel := context.WithCancel(d.base)
	j := &job[V]{
		id:      uuid.NewString(),
		state:   StatePending,
		waiters: 1,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.jobs[key] = j
	return j
}

// wait blocks until j completes or ctx ends.
func (d *Dispatcher[K, V]) wait(ctx context.Context, j *job[V]) (V, error) {
	select {
	case <-j.done:
		d.leave(j)
		return j.val, j.err
	case <-ctx.Done():
		d.leave(j)
		var zero V
		return zero, ctx.Err()
	}
}

func (d *Dispatcher[K, V]) leave(j *job[V]) {
	d.mu.Lock()
	j.waiters--
	d.mu.Unlock()
}

// freshLocked reports whether a terminal job's outcome is still retained.
func (d *Dispatcher[K, V]) freshLocked(j *job[V], now time.Time) bool {
	ttl := d.opt.SuccessRetention
	if j.err != nil {
		ttl = d.opt.FailureRetention
	}
	return now.Sub(j.finishedAt) < ttl
}

func (d *Dispatcher[K, V]) dropLocked(key K, j *job[V]) {
	if d.jobs[key] == j {
		delete(d.jobs, key)
	}
	if j.timer != nil {
		j.timer.Stop()
	}
}

// run drives one job from Pending to a terminal state.
func (d *Dispatcher[K, V]) run(key K, j *job[V], fetch FetchFunc[K, V]) {
	var zero V
	if err := d.sem.Acquire(j.ctx, 1); err != nil {
		d.finish(key, j, zero, d.failure(key, j, ErrCancelled, err))
		return
	}
	defer d.sem.Release(1)

	d.markRunning(j)
	defer d.markStopped()

	for attempt := 0; ; attempt++ {
		v, err := d.attempt(key, j, fetch)

		d.mu.Lock()
		j.attempts = attempt + 1
		d.mu.Unlock()

		switch {
		case err == nil:
			d.finish(key, j, v, nil)
			return
		case j.ctx.Err() != nil:
			d.finish(key, j, zero, d.failure(key, j, ErrCancelled, err))
			return
		case isPermanent(err):
			d.finish(key, j, zero, d.failure(key, j, ErrFetchPermanent, err))
			return
		case attempt >= d.opt.MaxRetries:
			d.finish(key, j, zero, d.failure(key, j, ErrFetchExhausted, err))
			return
		}

		delay := backoff(d.opt.BaseBackoff, attempt)
		d.retries.Add(1)
		d.opt.Metrics.Retry()
		d.opt.Logger.Debug("dispatch: retrying fetch", logging.Fields{
			"job_id":  j.id,
			"key":     fmt.Sprint(key),
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		if !sleep(j.ctx, delay) {
			d.finish(key, j, zero, d.failure(key, j, ErrCancelled, j.ctx.Err()))
			return
		}
	}
}

// attempt runs fetch once with the per-attempt timeout. A panic inside fetch
// is recovered and reported as a *PanicError.
func (d *Dispatcher[K, V]) attempt(key K, j *job[V], fetch FetchFunc[K, V]) (v V, err error) {
	ctx := j.ctx
	if d.opt.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opt.FetchTimeout)
		defer cancel()
	}

	d.fetches.Add(1)
	d.opt.Metrics.FetchStarted()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			d.opt.Logger.Error("dispatch: fetch panicked", logging.Fields{
				"job_id": j.id,
				"key":    fmt.Sprint(key),
				"panic":  fmt.Sprint(r),
			})
		}
		// Past the deadline the attempt failed, even if fetch ignored ctx
		// and came back with a value.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if err == nil {
				err = ctx.Err()
			}
			err = &timeoutError{err: err}
			var zero V
			v = zero
		}
		d.opt.Metrics.FetchFinished(err == nil, time.Since(start))
	}()

	return fetch(ctx, key)
}

func (d *Dispatcher[K, V]) failure(key K, j *job[V], kind, err error) *FetchError {
	d.mu.Lock()
	attempts := j.attempts
	d.mu.Unlock()
	return &FetchError{Key: key, Attempts: attempts, Err: err, kind: kind}
}

func (d *Dispatcher[K, V]) markRunning(j *job[V]) {
	d.mu.Lock()
	j.state = StateRunning
	d.running++
	n := d.running
	if n > d.opt.MaxConcurrency {
		d.mu.Unlock()
		panic(fmt.Sprintf("dispatch: %d jobs running, limit %d", n, d.opt.MaxConcurrency))
	}
	d.mu.Unlock()
	d.opt.Metrics.Running(n)
}

func (d *Dispatcher[K, V]) markStopped() {
	d.mu.Lock()
	d.running--
	n := d.running
	d.mu.Unlock()
	d.opt.Metrics.Running(n)
}

// finish publishes the outcome, wakes every waiter and schedules the job's
// removal once its retention window lapses.
func (d *Dispatcher[K, V]) finish(key K, j *job[V], v V, ferr *FetchError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j.val = v
	j.state = StateSucceeded
	if ferr != nil {
		j.err = ferr
		j.state = StateFailed
		d.failures.Add(1)
		if !errors.Is(ferr, ErrCancelled) {
			d.opt.Logger.Warn("dispatch: fetch failed", logging.Fields{
				"job_id":   j.id,
				"key":      fmt.Sprint(key),
				"attempts": ferr.Attempts,
				"error":    ferr.Err.Error(),
			})
		}
	}
	j.finishedAt = time.Now()
	close(j.done)
	j.cancel()

	ttl := d.opt.SuccessRetention
	if ferr != nil {
		ttl = d.opt.FailureRetention
	}
	if ttl <= 0 || j.cancelled || (ferr != nil && errors.Is(ferr, ErrCancelled)) {
		d.dropLocked(key, j)
		return
	}
	j.timer = time.AfterFunc(ttl, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.jobs[key] == j {
			delete(d.jobs, key)
		}
	})
}

// sleep waits for d or until ctx ends; it reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
