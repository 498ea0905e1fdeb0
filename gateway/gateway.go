// Package gateway composes the rate limiter, the cache store and the
// coalescing dispatcher into the read path used by request handlers:
//
//	admit client -> cache lookup -> coalesced fetch -> write back
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IvanBrykalov/gatekeep/cache"
	"github.com/IvanBrykalov/gatekeep/dispatch"
	"github.com/IvanBrykalov/gatekeep/logging"
	"github.com/IvanBrykalov/gatekeep/ratelimit"
)

// Options tunes a Gateway. Zero values are safe.
type Options struct {
	// TTL applies to values written back after a fetch. Zero uses the
	// store's DefaultTTL.
	TTL time.Duration

	Logger logging.Logger
}

// Gateway owns one instance of each component. It is safe for concurrent use.
type Gateway[V any] struct {
	limiter *ratelimit.Limiter
	store   *cache.Store[string, V]
	disp    *dispatch.Dispatcher[string, V]
	opt     Options

	// mu guards flights: fetches currently running per key, with the
	// invalidation generation each one must match to write back.
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	n   int
	gen uint64
}

// Stats aggregates component snapshots for status endpoints.
type Stats struct {
	Cache    cache.Stats     `json:"cache"`
	Limiter  ratelimit.Stats `json:"ratelimit"`
	Dispatch dispatch.Stats  `json:"dispatch"`
}

// New wires the given components. The gateway takes ownership: Close closes
// all three.
func New[V any](l *ratelimit.Limiter, s *cache.Store[string, V], d *dispatch.Dispatcher[string, V], opt Options) *Gateway[V] {
	if opt.Logger == nil {
		opt.Logger = logging.Nop{}
	}
	return &Gateway[V]{limiter: l, store: s, disp: d, opt: opt, flights: make(map[string]*flight)}
}

// Get admits clientID, then serves key from the cache or, on a miss, from a
// coalesced fetch whose value is written back to the cache.
//
// A denied request returns a *ratelimit.LimitError and never touches the
// cache or the source. The returned Result is the limiter decision for this
// request and is meaningful on every path.
func (g *Gateway[V]) Get(ctx context.Context, clientID, key string, fetch dispatch.FetchFunc[string, V]) (V, ratelimit.Result, error) {
	var zero V

	res := g.limiter.Allow(clientID)
	if !res.Allowed {
		g.opt.Logger.Debug("gateway: request limited", logging.Fields{
			"client":   clientID,
			"window":   res.Window,
			"reset_at": res.ResetAt,
		})
		return zero, res, &ratelimit.LimitError{ClientID: clientID, Result: res}
	}

	if v, ok := g.store.Get(key); ok {
		return v, res, nil
	}

	v, err := g.disp.Dispatch(ctx, key, g.writeBack(fetch))
	if err != nil {
		return zero, res, err
	}
	return v, res, nil
}

// writeBack stores a successful fetch inside the job, so the value is cached
// once per fetch even when every waiter has gone. A fetch overtaken by
// Invalidate for its key is returned to its waiters but not cached.
func (g *Gateway[V]) writeBack(fetch dispatch.FetchFunc[string, V]) dispatch.FetchFunc[string, V] {
	return func(ctx context.Context, key string) (V, error) {
		f, gen := g.enter(key)
		v, err := fetch(ctx, key)

		g.mu.Lock()
		defer g.mu.Unlock()
		g.leaveLocked(key, f)
		if err != nil {
			return v, err
		}
		if f.gen != gen {
			g.opt.Logger.Debug("gateway: skipping write-back of invalidated key", logging.Fields{"key": key})
			return v, nil
		}
		if g.opt.TTL > 0 {
			g.store.SetWithTTL(key, v, g.opt.TTL)
		} else {
			g.store.Set(key, v)
		}
		return v, nil
	}
}

func (g *Gateway[V]) enter(key string) (*flight, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.flights[key]
	if f == nil {
		f = &flight{}
		g.flights[key] = f
	}
	f.n++
	return f, f.gen
}

func (g *Gateway[V]) leaveLocked(key string, f *flight) {
	f.n--
	if f.n == 0 && g.flights[key] == f {
		delete(g.flights, key)
	}
}

// Invalidate removes key from the cache and drops any retained fetch outcome.
// A fetch for key already in flight still answers its waiters, but its value
// is not written back. Its outcome may be retained by the dispatcher for
// SuccessRetention, which only callers that miss the cache can observe.
func (g *Gateway[V]) Invalidate(key string) {
	g.mu.Lock()
	if f := g.flights[key]; f != nil {
		f.gen++
	}
	g.mu.Unlock()

	g.store.Delete(key)
	g.disp.Forget(key)
}

// Stats returns a snapshot of every component.
func (g *Gateway[V]) Stats() Stats {
	return Stats{
		Cache:    g.store.Stats(),
		Limiter:  g.limiter.Stats(),
		Dispatch: g.disp.Stats(),
	}
}

// Close stops the dispatcher first so no fetch writes into a closed store.
func (g *Gateway[V]) Close() error {
	return errors.Join(g.disp.Close(), g.store.Close(), g.limiter.Close())
}
