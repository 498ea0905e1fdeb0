// Package dispatch coalesces concurrent loads of the same key into a single
// job and runs jobs under a process-wide concurrency bound.
//
// A job moves Pending -> Running -> Succeeded | Failed. While Running it
// holds one admission slot for all of its attempts and backoff sleeps.
// Transient failures are retried up to Options.MaxRetries times, waiting
// BaseBackoff * 2^n before retry n. Terminal outcomes are kept for
// SuccessRetention or FailureRetention so callers arriving right after
// completion reuse them instead of starting a new fetch.
//
// Example:
//
//	d := dispatch.New[string, []byte](dispatch.Options{
//		MaxConcurrency:   8,
//		MaxRetries:       3,
//		BaseBackoff:      100 * time.Millisecond,
//		SuccessRetention: time.Second,
//	})
//	defer d.Close()
//
//	body, err := d.Dispatch(ctx, "/users/42", fetchUser)
package dispatch
