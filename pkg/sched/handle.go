package sched

import "context"

// Handle is the future for a submitted task. It settles exactly once, when
// the task reaches a terminal outcome.
type Handle[T any] struct {
	id   TaskID
	meta any
	done chan struct{}
	out  Outcome[T] // written once before done is closed
}

func newHandle[T any](id TaskID, meta any) *Handle[T] {
	return &Handle[T]{id: id, meta: meta, done: make(chan struct{})}
}

// ID returns the task id assigned at submission.
func (h *Handle[T]) ID() TaskID { return h.id }

// Meta returns the metadata the task was submitted with.
func (h *Handle[T]) Meta() any { return h.meta }

// Done is closed when the task reaches a terminal outcome.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal outcome without blocking. ok is false while
// the task is still queued or active.
func (h *Handle[T]) Outcome() (Outcome[T], bool) {
	select {
	case <-h.done:
		return h.out, true
	default:
		var zero Outcome[T]
		return zero, false
	}
}

// Wait blocks until the task settles or ctx ends. On a Fulfilled outcome it
// returns the value; Rejected and Cancelled outcomes return their error.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	if h.out.Err != nil {
		var zero T
		return zero, h.out.Err
	}
	return h.out.Value, nil
}

// settle records the outcome and releases waiters. The scheduler guarantees
// a single caller: only the goroutine that removed the task from the
// registry settles its handle.
func (h *Handle[T]) settle(out Outcome[T]) {
	h.out = out
	close(h.done)
}
