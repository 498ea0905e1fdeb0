// Package ratelimit implements per-client admission control with two
// sliding windows.
//
// Each client is tracked with two ordered timestamp sequences: a long window
// (N requests per T_long) that enforces the sustained average and a burst
// window (M requests per T_burst, M < N, T_burst < T_long) that caps short
// spikes. A request is denied when either window is already full; the burst
// window is evaluated first.
//
// # Usage
//
//	l, err := ratelimit.New(ratelimit.Config{
//	    Long:  ratelimit.Window{Count: 10, Duration: time.Minute},
//	    Burst: ratelimit.Window{Count: 5, Duration: 10 * time.Second},
//	}, ratelimit.Options{SweepInterval: time.Minute})
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
//
//	if res := l.Allow(clientID); !res.Allowed {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter(time.Now()).Seconds())))
//	}
//
// Allow is the atomic check-and-record path. Check and Record are exposed
// separately for callers that decide admission elsewhere; calling them in
// either order never corrupts counts.
//
// # Memory
//
// Stale timestamps are pruned on every access. Clients whose windows have
// stayed empty for a full long window are forgotten by Sweep, so memory
// tracks the number of active clients.
package ratelimit
