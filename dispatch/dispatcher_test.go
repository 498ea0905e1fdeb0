package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var errBackend = errors.New("backend unavailable")

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Fifty concurrent calls for one key share a single fetch and its result.
func TestDispatch_Coalescing(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{MaxConcurrency: 4})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(_ context.Context, k string) (string, error) {
		n := calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return fmt.Sprintf("v:%s:%d", k, n), nil
	}

	const N = 50
	start := make(chan struct{})
	results := make([]string, N)
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			<-start
			v, err := d.Dispatch(context.Background(), "k", fetch)
			results[i] = v
			return err
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch must run exactly once, got %d", got)
	}
	for i, v := range results {
		if v != "v:k:1" {
			t.Fatalf("caller %d got %q", i, v)
		}
	}
	if st := d.Stats(); st.Coalesced != N-1 || st.Fetches != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// With MaxConcurrency = 5, twenty distinct keys never run more than five
// fetches at the same instant.
func TestDispatch_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	d := New[string, int](Options{MaxConcurrency: 5})
	t.Cleanup(func() { _ = d.Close() })

	var current, peak, calls atomic.Int64
	fetch := func(_ context.Context, k string) (int, error) {
		calls.Add(1)
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return len(k), nil
	}

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		key := "key-" + strconv.Itoa(i)
		g.Go(func() error {
			_, err := d.Dispatch(context.Background(), key, fetch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := peak.Load(); got > 5 {
		t.Fatalf("peak concurrency %d exceeds 5", got)
	}
	if got := calls.Load(); got != 20 {
		t.Fatalf("want 20 fetches, got %d", got)
	}
	waitFor(t, "slots to be released", func() bool {
		st := d.Stats()
		return st.Running == 0 && st.InFlight == 0
	})
}

// Two failures then success: three invocations spaced by the backoff schedule
// and every waiter sees the value.
func TestDispatch_RetryBackoff(t *testing.T) {
	t.Parallel()

	const base = 100 * time.Millisecond
	d := New[string, string](Options{MaxConcurrency: 1, MaxRetries: 3, BaseBackoff: base})
	t.Cleanup(func() { _ = d.Close() })

	var (
		mu       sync.Mutex
		starts   []time.Time
		failures []time.Time
	)
	fetch := func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		starts = append(starts, time.Now())
		if len(starts) <= 2 {
			time.Sleep(10 * time.Millisecond)
			failures = append(failures, time.Now())
			return "", errBackend
		}
		return "ok", nil
	}

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			v, err := d.Dispatch(context.Background(), "k", fetch)
			if err != nil {
				return err
			}
			if v != "ok" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("want 3 invocations, got %d", len(starts))
	}
	if gap := starts[1].Sub(failures[0]); gap < base {
		t.Fatalf("2nd attempt started %v after 1st failure, want >= %v", gap, base)
	}
	if gap := starts[2].Sub(failures[1]); gap < 2*base {
		t.Fatalf("3rd attempt started %v after 2nd failure, want >= %v", gap, 2*base)
	}
	if st := d.Stats(); st.Retries != 2 {
		t.Fatalf("want 2 retries, got %+v", st)
	}
}

// A fetch that always fails is invoked 1+MaxRetries times; callers inside the
// failure retention window get the same error without new invocations.
func TestDispatch_Exhaustion(t *testing.T) {
	t.Parallel()

	d := New[string, int](Options{
		MaxRetries:       3,
		BaseBackoff:      time.Millisecond,
		FailureRetention: time.Minute,
	})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, errBackend
	}

	var g errgroup.Group
	errs := make([]error, 10)
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = d.Dispatch(context.Background(), "k", fetch)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrFetchExhausted) || !errors.Is(err, errBackend) {
			t.Fatalf("caller %d: want exhausted backend error, got %v", i, err)
		}
	}
	var fe *FetchError
	if !errors.As(errs[0], &fe) || fe.Attempts != 4 || fe.Key != "k" {
		t.Fatalf("unexpected FetchError: %#v", errs[0])
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("want 4 invocations, got %d", got)
	}

	// Within the failure retention window: no new invocations.
	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(context.Background(), "k", fetch); !errors.Is(err, ErrFetchExhausted) {
			t.Fatalf("retained failure expected, got %v", err)
		}
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("retained failure must not refetch, got %d invocations", got)
	}
	if s, ok := d.State("k"); !ok || s != StateFailed {
		t.Fatalf("want retained failed job, got %v %v", s, ok)
	}

	// A fresh job gets a fresh retry budget.
	d.Forget("k")
	if _, err := d.Dispatch(context.Background(), "k", fetch); !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("want exhausted, got %v", err)
	}
	if got := calls.Load(); got != 8 {
		t.Fatalf("want 8 invocations after a fresh job, got %d", got)
	}
}

func TestDispatch_FailureRetentionLapses(t *testing.T) {
	t.Parallel()

	d := New[string, int](Options{FailureRetention: 30 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, errBackend
	}

	_, _ = d.Dispatch(context.Background(), "k", fetch)
	_, _ = d.Dispatch(context.Background(), "k", fetch)
	if got := calls.Load(); got != 1 {
		t.Fatalf("want 1 invocation inside retention, got %d", got)
	}
	waitFor(t, "failure retention to lapse", func() bool {
		_, ok := d.State("k")
		return !ok
	})
	_, _ = d.Dispatch(context.Background(), "k", fetch)
	if got := calls.Load(); got != 2 {
		t.Fatalf("want a fresh job after retention, got %d invocations", got)
	}
}

func TestDispatch_SuccessRetention(t *testing.T) {
	t.Parallel()

	d := New[string, int](Options{SuccessRetention: 50 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(context.Context, string) (int, error) {
		return int(calls.Add(1)), nil
	}

	if v, _ := d.Dispatch(context.Background(), "k", fetch); v != 1 {
		t.Fatalf("want 1, got %d", v)
	}
	if v, _ := d.Dispatch(context.Background(), "k", fetch); v != 1 {
		t.Fatalf("retained value want 1, got %d", v)
	}
	if st := d.Stats(); st.Reused != 1 || st.Retained != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	time.Sleep(60 * time.Millisecond)
	if v, _ := d.Dispatch(context.Background(), "k", fetch); v != 2 {
		t.Fatalf("want refetch after retention, got %d", v)
	}
}

// A waiter that joins while the fetch is running receives exactly the same
// outcome as the caller that started it.
func TestDispatch_LateWaiterSharesOutcome(t *testing.T) {
	t.Parallel()

	for _, fail := range []bool{false, true} {
		t.Run("fail="+strconv.FormatBool(fail), func(t *testing.T) {
			t.Parallel()

			d := New[string, string](Options{})
			t.Cleanup(func() { _ = d.Close() })

			release := make(chan struct{})
			fetch := func(context.Context, string) (string, error) {
				<-release
				if fail {
					return "", Permanent(errBackend)
				}
				return "value", nil
			}

			type outcome struct {
				v   string
				err error
			}
			first := make(chan outcome, 1)
			go func() {
				v, err := d.Dispatch(context.Background(), "k", fetch)
				first <- outcome{v, err}
			}()
			waitFor(t, "job to run", func() bool {
				s, ok := d.State("k")
				return ok && s == StateRunning
			})

			late := make(chan outcome, 1)
			go func() {
				v, err := d.Dispatch(context.Background(), "k", fetch)
				late <- outcome{v, err}
			}()
			waitFor(t, "late waiter to join", func() bool { return d.Stats().Coalesced == 1 })
			close(release)

			a, b := <-first, <-late
			if a.v != b.v || a.err != b.err {
				t.Fatalf("outcomes differ: %+v vs %+v", a, b)
			}
			if fail != (a.err != nil) {
				t.Fatalf("unexpected outcome: %+v", a)
			}
			if fail && !errors.Is(a.err, ErrFetchPermanent) {
				t.Fatalf("want permanent failure, got %v", a.err)
			}
		})
	}
}

// Abandoning a call does not cancel the shared fetch.
func TestDispatch_CallerCancellationKeepsJob(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{SuccessRetention: time.Minute})
	t.Cleanup(func() { _ = d.Close() })

	var fetchCtxErr atomic.Value
	fetch := func(ctx context.Context, _ string) (string, error) {
		time.Sleep(80 * time.Millisecond)
		fetchCtxErr.Store(fmt.Sprint(ctx.Err()))
		return "v", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	other := make(chan string, 1)
	go func() {
		for {
			if _, ok := d.State("k"); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		v, _ := d.Dispatch(context.Background(), "k", fetch)
		other <- v
	}()

	if _, err := d.Dispatch(ctx, "k", fetch); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("abandoned caller want DeadlineExceeded, got %v", err)
	}
	if v := <-other; v != "v" {
		t.Fatalf("remaining waiter want v, got %q", v)
	}
	if got := fetchCtxErr.Load(); got != "<nil>" {
		t.Fatalf("fetch context must stay live, got %v", got)
	}
}

func TestDispatch_CancelOnlyWithoutWaiters(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{})
	t.Cleanup(func() { _ = d.Close() })

	fetchDone := make(chan error, 1)
	fetch := func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		fetchDone <- ctx.Err()
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	callerDone := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, "k", fetch)
		callerDone <- err
	}()
	waitFor(t, "job to run", func() bool {
		s, ok := d.State("k")
		return ok && s == StateRunning
	})

	if ok, err := d.Cancel("k"); ok || !errors.Is(err, ErrHasWaiters) {
		t.Fatalf("Cancel with a waiter: ok=%v err=%v", ok, err)
	}

	cancel()
	if err := <-callerDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller want Canceled, got %v", err)
	}
	waitFor(t, "waiter to leave", func() bool {
		ok, err := d.Cancel("k")
		return ok && err == nil
	})

	if err := <-fetchDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("fetch context want Canceled, got %v", err)
	}
	waitFor(t, "cancelled job to be dropped", func() bool { _, ok := d.State("k"); return !ok })

	if ok, err := d.Cancel("missing"); ok || err != nil {
		t.Fatalf("Cancel of unknown key: ok=%v err=%v", ok, err)
	}
}

// A caller arriving while a cancelled job unwinds gets a fresh job of its own
// instead of the cancellation.
func TestDispatch_CancelledJobNotJoined(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{})
	t.Cleanup(func() { _ = d.Close() })

	unwound := make(chan struct{})
	slow := func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		close(unwound)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = d.Dispatch(ctx, "k", slow) }()
	waitFor(t, "job to run", func() bool {
		s, ok := d.State("k")
		return ok && s == StateRunning
	})
	cancel()
	waitFor(t, "job to be cancelled", func() bool {
		ok, _ := d.Cancel("k")
		return ok
	})

	var overlapped atomic.Bool
	healthy := func(context.Context, string) (string, error) {
		select {
		case <-unwound:
		default:
			overlapped.Store(true)
		}
		return "fresh", nil
	}
	v, err := d.Dispatch(context.Background(), "k", healthy)
	if err != nil || v != "fresh" {
		t.Fatalf("want fresh value, got v=%q err=%v", v, err)
	}
	if overlapped.Load() {
		t.Fatal("fresh fetch overlapped the cancelled one")
	}
}

// A panicking fetch releases its admission slot and goes through the
// failure path.
func TestDispatch_PanicReleasesSlot(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{MaxConcurrency: 1, MaxRetries: 1})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	flaky := func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return "recovered", nil
	}
	if v, err := d.Dispatch(context.Background(), "a", flaky); err != nil || v != "recovered" {
		t.Fatalf("retry after panic: v=%q err=%v", v, err)
	}

	always := func(context.Context, string) (string, error) { panic("always") }
	_, err := d.Dispatch(context.Background(), "b", always)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "always" || !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("want exhausted PanicError, got %v", err)
	}

	// The only slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := func(context.Context, string) (string, error) { return "ok", nil }
	if v, err := d.Dispatch(ctx, "c", ok); err != nil || v != "ok" {
		t.Fatalf("slot leaked: v=%q err=%v", v, err)
	}
}

func TestDispatch_FetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{MaxRetries: 1, FetchTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := d.Dispatch(context.Background(), "k", fetch)
	if !errors.Is(err, ErrFetchTimeout) || !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("want exhausted timeout, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("timeout must be retried: want 2 invocations, got %d", got)
	}
}

// A fetch that ignores ctx and returns a value after the deadline still
// counts as a timed-out attempt.
func TestDispatch_LateValueIsTimeout(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{MaxRetries: 1, FetchTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(context.Context, string) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	}

	v, err := d.Dispatch(context.Background(), "k", fetch)
	if v != "" || !errors.Is(err, ErrFetchTimeout) || !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("want exhausted timeout and no value, got v=%q err=%v", v, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded in chain, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("late value must be retried: want 2 invocations, got %d", got)
	}
}

func TestDispatch_PermanentSkipsRetries(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{MaxRetries: 5, BaseBackoff: time.Second})
	t.Cleanup(func() { _ = d.Close() })

	var calls atomic.Int64
	fetch := func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", Permanent(errBackend)
	}
	_, err := d.Dispatch(context.Background(), "k", fetch)
	if !errors.Is(err, ErrFetchPermanent) || !errors.Is(err, errBackend) {
		t.Fatalf("want permanent backend error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("permanent failure must not retry, got %d invocations", got)
	}
}

func TestDispatch_Close(t *testing.T) {
	t.Parallel()

	d := New[string, string](Options{})

	started := make(chan struct{})
	fetch := func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	errc := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "k", fetch)
		errc <- err
	}()
	<-started

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Fatalf("in-flight waiter want ErrCancelled, got %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "k", fetch); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	_ = d.Close()
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{100 * time.Millisecond, 0, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 3, 800 * time.Millisecond},
		{0, 5, 0},
		{time.Hour, 40, time.Duration(1<<63 - 1)},
	}
	for _, c := range cases {
		if got := backoff(c.base, c.attempt); got != c.want {
			t.Errorf("backoff(%v, %d) = %v, want %v", c.base, c.attempt, got, c.want)
		}
	}
}
