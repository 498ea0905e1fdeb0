package ratelimit

import (
	"sync"
	"time"

	"github.com/IvanBrykalov/gatekeep/internal/util"
	"github.com/IvanBrykalov/gatekeep/logging"
)

// Limiter enforces a burst window and a long window per client.
//
// Clients live in a sharded table; each client's timestamps are guarded by
// their own mutex, so requests from different clients never contend on the
// same lock. All methods are safe for concurrent use.
type Limiter struct {
	cfg    Config
	shards []*clientShard
	opt    Options

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type clientShard struct {
	mu sync.RWMutex
	m  map[string]*window
}

// New validates cfg and builds a limiter. When opt.SweepInterval > 0 a
// background goroutine forgets idle clients; call Close to stop it.
func New(cfg Config, opt Options) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Nop{}
	}

	n := util.ShardCount(opt.Shards)
	l := &Limiter{
		cfg:    cfg,
		shards: make([]*clientShard, n),
		opt:    opt,
		stop:   make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &clientShard{m: make(map[string]*window)}
	}
	if opt.SweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop(opt.SweepInterval)
	}
	return l, nil
}

// Check evaluates both windows for clientID without recording a request.
// A client with no state gets the full budget.
func (l *Limiter) Check(clientID string) Result {
	w := l.lookup(clientID)
	if w == nil {
		return l.fresh(l.now())
	}
	defer w.mu.Unlock()
	now := l.now()
	w.pruneLocked(now, l.cfg)
	return w.evaluateLocked(now, l.cfg)
}

// Record appends the current time to both of clientID's windows.
// It does not check budgets; pair it with Check or use Allow.
func (l *Limiter) Record(clientID string) {
	w := l.acquire(clientID)
	defer w.mu.Unlock()
	now := l.now()
	w.pruneLocked(now, l.cfg)
	w.appendLocked(now)
}

// Allow checks and, when admitted, records a request for clientID as one
// atomic step: concurrent requests from the same client cannot both take
// the last slot.
func (l *Limiter) Allow(clientID string) Result {
	w := l.acquire(clientID)
	defer w.mu.Unlock()
	// Sampled under the client lock so timestamps are appended in order.
	now := l.now()

	w.pruneLocked(now, l.cfg)
	res := w.evaluateLocked(now, l.cfg)
	if !res.Allowed {
		l.opt.Metrics.Denied(res.Window)
		return res
	}
	w.appendLocked(now)
	if res.Remaining > 0 {
		res.Remaining--
	}
	l.opt.Metrics.Allowed()
	return res
}

// Stats reports the number of tracked clients and how many of them have at
// least one request inside the long window.
func (l *Limiter) Stats() Stats {
	now := l.now()
	cutoff := now - int64(l.cfg.Long.Duration)
	st := Stats{Config: l.cfg}
	for _, sh := range l.shards {
		sh.mu.RLock()
		for _, w := range sh.m {
			st.TotalClients++
			w.mu.Lock()
			if len(w.long) > 0 && w.long[len(w.long)-1] > cutoff {
				st.ActiveClients++
			}
			w.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return st
}

// Config returns the windows the limiter enforces.
func (l *Limiter) Config() Config { return l.cfg }

// Close stops the idle-client sweeper. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	return nil
}

func (l *Limiter) now() int64 {
	if l.opt.Clock != nil {
		return l.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (l *Limiter) shardFor(clientID string) *clientShard {
	return l.shards[util.ShardIndex(util.Fnv64a(clientID), len(l.shards))]
}

// fresh is the result for a client without recorded requests.
func (l *Limiter) fresh(now int64) Result {
	return Result{
		Allowed:   true,
		Limit:     l.cfg.Long.Count,
		Remaining: min(l.cfg.Long.Count, l.cfg.Burst.Count),
		ResetAt:   time.Unix(0, now+int64(l.cfg.Long.Duration)),
	}
}

// lookup returns clientID's live window locked, or nil if none exists.
func (l *Limiter) lookup(clientID string) *window {
	sh := l.shardFor(clientID)
	sh.mu.RLock()
	w := sh.m[clientID]
	sh.mu.RUnlock()
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return nil
	}
	return w
}

// acquire returns clientID's live window locked, creating it if needed.
// A window retired by the sweeper between lookup and lock is re-resolved.
func (l *Limiter) acquire(clientID string) *window {
	sh := l.shardFor(clientID)
	for {
		sh.mu.RLock()
		w := sh.m[clientID]
		sh.mu.RUnlock()

		if w == nil {
			sh.mu.Lock()
			if w = sh.m[clientID]; w == nil {
				w = &window{last: l.now()}
				sh.m[clientID] = w
			}
			sh.mu.Unlock()
		}

		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}
