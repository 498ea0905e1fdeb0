package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/IvanBrykalov/gatekeep/logging"
)

// Window names reported in Result.Window and to Metrics.
const (
	WindowBurst = "burst"
	WindowLong  = "long"
)

// Window bounds the number of requests within a trailing duration.
type Window struct {
	Count    int           `yaml:"count" json:"count"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// Config pairs a long-term average window with a tighter burst window.
type Config struct {
	// Long is the sustained budget, e.g. 10 requests per minute.
	Long Window `yaml:"long" json:"long"`

	// Burst is the short-term budget, e.g. 5 requests per 10 seconds.
	// It must be strictly tighter than Long in both count and duration.
	Burst Window `yaml:"burst" json:"burst"`
}

// Validate reports whether the windows are usable together.
func (c Config) Validate() error {
	switch {
	case c.Burst.Count <= 0 || c.Long.Count <= 0:
		return fmt.Errorf("ratelimit: window counts must be > 0 (burst=%d long=%d)", c.Burst.Count, c.Long.Count)
	case c.Burst.Duration <= 0 || c.Long.Duration <= 0:
		return fmt.Errorf("ratelimit: window durations must be > 0 (burst=%s long=%s)", c.Burst.Duration, c.Long.Duration)
	case c.Burst.Count >= c.Long.Count:
		return fmt.Errorf("ratelimit: burst count %d must be below long count %d", c.Burst.Count, c.Long.Count)
	case c.Burst.Duration >= c.Long.Duration:
		return fmt.Errorf("ratelimit: burst duration %s must be shorter than long duration %s", c.Burst.Duration, c.Long.Duration)
	}
	return nil
}

// Result is the outcome of a rate limit evaluation.
type Result struct {
	// Allowed indicates if the request is permitted.
	Allowed bool `json:"allowed"`

	// Limit is the long-window request count.
	Limit int `json:"limit"`

	// Remaining is how many more requests both windows would admit now.
	Remaining int `json:"remaining"`

	// ResetAt is when the oldest timestamp of the constraining window leaves
	// it. Denied callers should retry no earlier than this.
	ResetAt time.Time `json:"reset_at"`

	// Window names the window that denied the request; empty when allowed.
	Window string `json:"window,omitempty"`
}

// RetryAfter is the wait until ResetAt as seen from now, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Stats is a point-in-time view of limiter state.
type Stats struct {
	TotalClients  int    `json:"total_clients"`
	ActiveClients int    `json:"active_clients"`
	Config        Config `json:"config"`
}

// ErrLimited matches every *LimitError via errors.Is.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// LimitError is returned to callers that were denied admission.
type LimitError struct {
	ClientID string
	Result   Result
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: client %q exceeded %s window, retry at %s",
		e.ClientID, e.Result.Window, e.Result.ResetAt.Format(time.RFC3339Nano))
}

func (e *LimitError) Is(target error) bool { return target == ErrLimited }

// Metrics exposes limiter observability hooks.
type Metrics interface {
	Allowed()
	Denied(window string)
	Clients(total int)
}

// NoopMetrics is the default Metrics implementation.
type NoopMetrics struct{}

func (NoopMetrics) Allowed()      {}
func (NoopMetrics) Denied(string) {}
func (NoopMetrics) Clients(int)   {}

var _ Metrics = NoopMetrics{}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options tunes the limiter runtime. Zero values are safe.
type Options struct {
	// SweepInterval is the period of the idle-client sweep. Zero disables it.
	SweepInterval time.Duration

	// Shards is the number of client-table partitions (0 = auto).
	Shards int

	Metrics Metrics
	Logger  logging.Logger
	Clock   Clock
}
