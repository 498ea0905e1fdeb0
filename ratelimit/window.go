package ratelimit

import (
	"sync"
	"time"
)

// window holds one client's request timestamps, oldest first.
//
// Both sequences only ever contain timestamps newer than now minus their
// window duration after pruneLocked.
type window struct {
	mu    sync.Mutex
	burst []int64
	long  []int64

	// last is the newest recorded timestamp, or the creation time.
	last int64

	// dead is set by the sweeper once the window is dropped from its shard.
	dead bool
}

// pruneLocked drops timestamps that have left their window.
func (w *window) pruneLocked(now int64, cfg Config) {
	w.burst = dropOlder(w.burst, now-int64(cfg.Burst.Duration))
	w.long = dropOlder(w.long, now-int64(cfg.Long.Duration))
}

func (w *window) appendLocked(now int64) {
	// Both slices stay sorted even if the clock steps backwards.
	if now < w.last {
		now = w.last
	}
	w.burst = append(w.burst, now)
	w.long = append(w.long, now)
	w.last = now
}

// evaluateLocked applies the decision rule. The burst window is consulted
// first; either window alone is enough to deny.
func (w *window) evaluateLocked(now int64, cfg Config) Result {
	res := Result{
		Limit:     cfg.Long.Count,
		Remaining: max(0, min(cfg.Long.Count-len(w.long), cfg.Burst.Count-len(w.burst))),
	}

	if len(w.burst) >= cfg.Burst.Count {
		res.Window = WindowBurst
		res.ResetAt = releaseAt(w.burst, cfg.Burst)
		return res
	}
	if len(w.long) >= cfg.Long.Count {
		res.Window = WindowLong
		res.ResetAt = releaseAt(w.long, cfg.Long)
		return res
	}

	res.Allowed = true
	if len(w.long) > 0 {
		res.ResetAt = time.Unix(0, w.long[0]+int64(cfg.Long.Duration))
	} else {
		res.ResetAt = time.Unix(0, now+int64(cfg.Long.Duration))
	}
	return res
}

// idleLocked reports whether both windows have been empty for at least one
// full long window.
func (w *window) idleLocked(now int64, cfg Config) bool {
	return w.last+2*int64(cfg.Long.Duration) <= now
}

// releaseAt is when enough timestamps leave ts for one more request to fit.
// With check-then-record usage ts holds exactly win.Count entries and this
// is the oldest timestamp plus the window duration.
func releaseAt(ts []int64, win Window) time.Time {
	i := len(ts) - win.Count
	return time.Unix(0, ts[i]+int64(win.Duration))
}

// dropOlder removes the prefix of ts at or before cutoff, reusing the backing
// array once it has drained.
func dropOlder(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	if i == len(ts) {
		return ts[:0]
	}
	return ts[i:]
}
