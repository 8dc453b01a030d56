package sched

import (
	"context"
	"time"
)

// TaskID identifies a submitted task. IDs are assigned monotonically at
// submission and never reused within a Scheduler instance.
type TaskID int64

// WorkFunc is the unit of work. The scheduler invokes it with the caller's
// metadata and a per-task cancellation context created at submission.
// Returning an error that satisfies errors.Is(err, context.Canceled) or
// errors.Is(err, ErrCancelled) reports a cancellation, not a failure.
type WorkFunc[T any] func(ctx context.Context, meta any) (T, error)

// Status is a task's position in its lifecycle. Terminal statuses never
// regress.
type Status int

const (
	StatusQueued Status = iota
	StatusActive
	StatusFulfilled
	StatusRejected
	StatusCancelled
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s >= StatusFulfilled }

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RunState is the scheduler's admission state. StateCancelled is permanent;
// StateDone marks that every submitted task reached a terminal outcome and
// lifts again when admission restarts.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StatePaused
	StateCancelled
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is a task's terminal result: exactly one of Fulfilled (with
// Value), Rejected (with Err), or Cancelled (with Err). Immutable once
// recorded.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Hooks are optional observer callbacks. All are invoked outside the
// scheduler's internal lock, from the goroutine that drove the transition;
// nil hooks are skipped.
type Hooks struct {
	// OnProgress fires after every submission and every terminal
	// transition with (terminal, submitted) counts. The cancel sweep
	// reports once, after the whole sweep.
	OnProgress func(terminal, submitted int)

	// OnComplete fires exactly once, when every submitted task has
	// reached a terminal outcome.
	OnComplete func()

	// OnError fires once per permanently failed task with the work
	// function's last error.
	OnError func(err error, id TaskID)

	// OnCancel fires once per Cancel call that swept anything, with the
	// ids of every task that was queued or active at that moment.
	OnCancel func(ids []TaskID)
}

// Config controls a Scheduler. The limits are fixed at construction.
type Config struct {
	// Concurrency caps simultaneously active tasks. <=0 applies the default.
	Concurrency int

	// MaxRetries is the number of re-attempts after a failed run.
	// 0 applies the default; negative disables retries.
	MaxRetries int

	// MaxResults bounds the retained outcome map: once exceeded, the oldest
	// outcomes are evicted and their ids read as unknown. 0 keeps every
	// outcome for the scheduler's lifetime.
	MaxResults int

	Hooks Hooks

	// Sink, when set, receives lifecycle events. It must not block.
	Sink Sink
}

const (
	DefaultConcurrency = 5
	DefaultMaxRetries  = 3
)

// Event topics published to the configured Sink.
const (
	TopicTaskQueued    = "task.queued"
	TopicTaskStarted   = "task.started"
	TopicTaskRetry     = "task.retry"
	TopicTaskFulfilled = "task.fulfilled"
	TopicTaskRejected  = "task.rejected"
	TopicTaskCancelled = "task.cancelled"
	TopicSchedStarted  = "sched.started"
	TopicSchedPaused   = "sched.paused"
	TopicSchedResumed  = "sched.resumed"
	TopicSchedCancel   = "sched.cancelled"
	TopicSchedComplete = "sched.completed"
)

// Event is a lifecycle notification. Task-level topics carry Task, Meta
// and Attempts; terminal topics add Elapsed and, on failure, Error.
type Event struct {
	Topic    string        `json:"topic"`
	Time     time.Time     `json:"time"`
	Task     TaskID        `json:"task,omitempty"`
	Meta     any           `json:"meta,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Error    string        `json:"error,omitempty"`
	State    RunState      `json:"state"`
	Swept    int           `json:"swept,omitempty"`
}

// Sink receives scheduler events. Implementations must not block; the
// scheduler calls the sink inline on its transition paths.
type Sink func(Event)

// Snapshot is a point-in-time view for diagnostics. Counters are lifetime
// totals and are unaffected by MaxResults eviction.
type Snapshot struct {
	State     RunState
	Queued    int
	Active    int
	Fulfilled int
	Rejected  int
	Cancelled int
	Submitted int
	Terminal  int

	// Effective limits after defaulting.
	Concurrency int
	MaxRetries  int
}

// task is the registry record for a non-terminal task.
type task[T any] struct {
	id       TaskID
	fn       WorkFunc[T]
	meta     any
	state    Status // StatusQueued or StatusActive
	attempts int    // retryable failures consumed so far

	// ctx is the task's cancellation token, created at submission and
	// cancelled exactly once: by the sweep, or released at terminal.
	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time // last admission time
	handle    *Handle[T]
}
