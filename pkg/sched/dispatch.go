package sched

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskd/pkg/zlog"
)

// dispatchLocked admits queued tasks while the scheduler is running and
// capacity allows. Invoked after Start/Resume, after every submission, and
// after every retry or terminal transition. Callers hold s.mu.
func (s *Scheduler[T]) dispatchLocked() {
	for s.state == StateRunning && s.active < s.cfg.Concurrency && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		t.state = StatusActive
		t.startedAt = time.Now()
		s.active++
		go s.run(t)
	}
}

// run executes one admitted attempt and routes the result to settle.
func (s *Scheduler[T]) run(t *task[T]) {
	s.log.Debug("task started", zlog.Int64("task", int64(t.id)), zlog.Int("attempt", t.attempts+1))
	s.emit(Event{Topic: TopicTaskStarted, Task: t.id, Meta: t.meta, Attempts: t.attempts, State: StateRunning})
	value, err := s.invoke(t)
	s.settle(t, value, err)
}

// invoke calls the work function with panic capture, so one bad task cannot
// kill the process or leak its concurrency slot.
func (s *Scheduler[T]) invoke(t *task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", zlog.Int64("task", int64(t.id)), zlog.Any("panic", r), zlog.String("stack", string(debug.Stack())))
		}
	}()
	return t.fn(t.ctx, t.meta)
}

// settle applies one attempt's result: discard after a sweep, re-queue a
// retryable failure, or drive the terminal transition. Cancellation errors
// never consume a retry.
func (s *Scheduler[T]) settle(t *task[T], value T, err error) {
	elapsed := time.Since(t.startedAt)

	s.mu.Lock()
	if s.state == StateCancelled {
		// The sweep already terminated this task.
		s.mu.Unlock()
		s.log.Debug("late resolution discarded", zlog.Int64("task", int64(t.id)))
		return
	}
	s.active--

	if err != nil && !isCancellation(err) {
		var nr noRetryError
		permanent := errors.As(err, &nr)
		if permanent {
			err = nr.err
		}
		if !permanent && t.attempts < s.cfg.MaxRetries {
			// Retryable: back of the queue. No hook fires and no counter
			// moves until the retry budget is spent.
			t.attempts++
			t.state = StatusQueued
			s.queue = append(s.queue, t)
			attempts := t.attempts
			st := s.state
			s.dispatchLocked()
			s.notifyDrainLocked()
			s.mu.Unlock()

			s.log.Debug("task retry queued", zlog.Int64("task", int64(t.id)), zlog.Int("attempt", attempts), zlog.Err(err))
			s.emit(Event{Topic: TopicTaskRetry, Task: t.id, Meta: t.meta, Attempts: attempts, Error: err.Error(), State: st})
			return
		}
	}

	delete(s.tasks, t.id)
	t.cancel()

	var out Outcome[T]
	switch {
	case err == nil:
		out = Outcome[T]{Status: StatusFulfilled, Value: value}
	case isCancellation(err):
		out = Outcome[T]{Status: StatusCancelled, Err: ErrCancelled}
	default:
		out = Outcome[T]{Status: StatusRejected, Err: err}
	}
	s.recordLocked(t.id, out)
	fire := s.completionLocked()
	terminal, submitted := s.progressLocked()
	attempts := t.attempts
	st := s.state
	s.dispatchLocked()
	s.notifyDrainLocked()
	s.mu.Unlock()

	t.handle.settle(out)

	switch out.Status {
	case StatusFulfilled:
		if elapsed >= 750*time.Millisecond {
			s.log.Info("task fulfilled", zlog.Int64("task", int64(t.id)), zlog.Duration("dur", elapsed), zlog.Int("attempts", attempts))
		} else {
			s.log.Debug("task fulfilled", zlog.Int64("task", int64(t.id)), zlog.Duration("dur", elapsed), zlog.Int("attempts", attempts))
		}
		s.emit(Event{Topic: TopicTaskFulfilled, Task: t.id, Meta: t.meta, Attempts: attempts, Elapsed: elapsed, State: st})
	case StatusRejected:
		s.log.Warn("task failed", zlog.Int64("task", int64(t.id)), zlog.Err(out.Err), zlog.Duration("dur", elapsed), zlog.Int("attempts", attempts))
		s.emit(Event{Topic: TopicTaskRejected, Task: t.id, Meta: t.meta, Attempts: attempts, Elapsed: elapsed, Error: out.Err.Error(), State: st})
	case StatusCancelled:
		s.log.Debug("task reported cancellation", zlog.Int64("task", int64(t.id)), zlog.Duration("dur", elapsed))
		s.emit(Event{Topic: TopicTaskCancelled, Task: t.id, Meta: t.meta, Attempts: attempts, Elapsed: elapsed, Error: out.Err.Error(), State: st})
	}

	h := s.cfg.Hooks
	if h.OnProgress != nil {
		h.OnProgress(terminal, submitted)
	}
	if out.Status == StatusRejected && h.OnError != nil {
		h.OnError(out.Err, t.id)
	}
	if fire {
		s.log.Info("all tasks terminal", zlog.Int("submitted", submitted))
		s.emit(Event{Topic: TopicSchedComplete, State: st})
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}
}

// recordLocked stores a terminal outcome exactly once, bumps the lifetime
// counters, and applies MaxResults eviction. Callers hold s.mu.
func (s *Scheduler[T]) recordLocked(id TaskID, out Outcome[T]) {
	s.results[id] = out
	s.order = append(s.order, id)
	switch out.Status {
	case StatusFulfilled:
		s.fulfilled++
	case StatusRejected:
		s.rejected++
	case StatusCancelled:
		s.cancelled++
	}
	if s.cfg.MaxResults > 0 {
		for len(s.order) > s.cfg.MaxResults {
			delete(s.results, s.order[0])
			s.order = s.order[1:]
		}
	}
}

func (s *Scheduler[T]) terminalLocked() int { return s.fulfilled + s.rejected + s.cancelled }

func (s *Scheduler[T]) progressLocked() (terminal, submitted int) {
	return s.terminalLocked(), s.submitted
}

// completionLocked reports whether this transition settled the last
// outstanding task. The run state moves to Done unless Cancel already made
// it permanent; the completion hook fires at most once for the scheduler's
// lifetime. Callers hold s.mu.
func (s *Scheduler[T]) completionLocked() bool {
	if s.submitted == 0 || s.terminalLocked() != s.submitted {
		return false
	}
	if s.state != StateCancelled {
		s.state = StateDone
	}
	if s.completeFired {
		return false
	}
	s.completeFired = true
	return true
}

// notifyDrainLocked releases Drain waiters once nothing is executing.
// Callers hold s.mu.
func (s *Scheduler[T]) notifyDrainLocked() {
	if s.active != 0 || len(s.drainWaiters) == 0 {
		return
	}
	for _, ch := range s.drainWaiters {
		close(ch)
	}
	s.drainWaiters = nil
}

// emit forwards a lifecycle event to the sink, stamping the time.
func (s *Scheduler[T]) emit(e Event) {
	if s.cfg.Sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.cfg.Sink(e)
}
