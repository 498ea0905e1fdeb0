package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchExhausted is matched by failures that used up every retry.
	ErrFetchExhausted = errors.New("dispatch: fetch retries exhausted")
	// ErrFetchPermanent is matched by failures marked with Permanent.
	ErrFetchPermanent = errors.New("dispatch: permanent fetch failure")
	// ErrFetchTimeout is matched by attempts that ran past Options.FetchTimeout.
	ErrFetchTimeout = errors.New("dispatch: fetch timed out")
	// ErrCancelled is returned to waiters of a job stopped by Cancel or Close.
	ErrCancelled = errors.New("dispatch: job cancelled")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")
	// ErrHasWaiters is returned by Cancel when callers still wait on the job.
	ErrHasWaiters = errors.New("dispatch: job has waiters")
)

// FetchError is the terminal failure delivered to every waiter of a job.
// It matches ErrFetchExhausted, ErrFetchPermanent or ErrCancelled, and the
// last error returned by the fetch function, via errors.Is.
type FetchError struct {
	Key      any
	Attempts int
	Err      error

	kind error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: key %v after %d attempt(s): %v", e.kind, e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Permanent marks err as not worth retrying. The job fails immediately and
// waiters receive a FetchError matching ErrFetchPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PanicError wraps a value recovered from a panicking fetch function.
// It is treated as a transient failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("dispatch: fetch panicked: %v", e.Value) }

// timeoutError marks an attempt that exceeded its deadline while keeping the
// fetch function's own error reachable.
type timeoutError struct{ err error }

func (e *timeoutError) Error() string   { return fmt.Sprintf("%v: %v", ErrFetchTimeout, e.err) }
func (e *timeoutError) Unwrap() []error { return []error{ErrFetchTimeout, e.err} }
