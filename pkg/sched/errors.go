package sched

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSchedulerCancelled is returned by Add after global cancellation.
	ErrSchedulerCancelled = errors.New("scheduler cancelled")

	// ErrCancelled is the terminal error of any task swept by Cancel, and of
	// any task whose work function reported cancellation.
	ErrCancelled = errors.New("task cancelled")

	// ErrNilWork is returned by Add when the work function is nil.
	ErrNilWork = errors.New("work function is nil")
)

// NoRetry marks an error as non-retryable.
//
// Work functions can wrap validation errors or other permanent failures with
// NoRetry so the scheduler won't waste attempts retrying.
//
// Example:
//
//	return zero, sched.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// isCancellation reports whether a work function's error counts as a
// cancellation outcome rather than a failure. Cancellation never consumes
// a retry.
func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
