package ratelimit

import (
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

func (l *Limiter) sweepLoop(every time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.opt.Logger.Debug("ratelimit: forgot idle clients", logging.Fields{"removed": n})
			}
		}
	}
}

// Sweep forgets clients whose windows have been empty for at least one full
// long window and returns how many were removed. It runs automatically when
// Options.SweepInterval is set.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed, total := 0, 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, w := range sh.m {
			w.mu.Lock()
			if w.idleLocked(now, l.cfg) {
				w.dead = true
				delete(sh.m, id)
				removed++
			}
			w.mu.Unlock()
		}
		total += len(sh.m)
		sh.mu.Unlock()
	}
	l.opt.Metrics.Clients(total)
	return removed
}
