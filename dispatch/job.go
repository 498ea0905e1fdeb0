package dispatch

import (
	"context"
	"time"
)

// State is the lifecycle stage of a job.
type State int

const (
	// StatePending: created, waiting for an admission slot.
	StatePending State = iota
	// StateRunning: holds a slot; fetch attempts and backoffs happen here.
	StateRunning
	// StateSucceeded: value published, retained for SuccessRetention.
	StateSucceeded
	// StateFailed: error published, retained for FailureRetention.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StateSucceeded || s == StateFailed }

// job is one logical fetch for a key, shared by every caller that joins it
// before it completes. Fields marked "mu" are guarded by Dispatcher.mu.
type job[V any] struct {
	id string

	state     State // mu
	attempts  int   // mu
	waiters   int   // mu
	cancelled bool  // mu

	// done is closed once val/err are published.
	done chan struct{}
	val  V
	err  error

	finishedAt time.Time   // mu
	timer      *time.Timer // mu; retention expiry

	ctx    context.Context
	cancel context.CancelFunc
}
