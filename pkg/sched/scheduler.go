package sched

import (
	"context"
	"sort"
	"sync"

	"taskd/pkg/zlog"
)

// Scheduler owns every submitted task and all admission state. One mutex
// serializes submission, admission, retry, and terminal transitions; hooks,
// events, and handle settlement happen after it is released.
type Scheduler[T any] struct {
	mu  sync.Mutex
	cfg Config
	log zlog.Logger

	state  RunState
	nextID TaskID

	queue   []*task[T]          // FIFO; retried tasks re-enter at the tail
	tasks   map[TaskID]*task[T] // every non-terminal task, keyed by id
	active  int                 // tasks executing now, never above cfg.Concurrency
	results map[TaskID]Outcome[T]
	order   []TaskID // terminal order, oldest first; drives MaxResults eviction

	submitted int
	fulfilled int
	rejected  int
	cancelled int

	completeFired bool
	drainWaiters  []chan struct{}
}

// New returns an idle scheduler. Zero limits take the defaults
// (Concurrency 5, MaxRetries 3); a negative MaxRetries disables retries.
func New[T any](cfg Config, log zlog.Logger) *Scheduler[T] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxResults < 0 {
		cfg.MaxResults = 0
	}
	return &Scheduler[T]{
		cfg:     cfg,
		log:     log,
		state:   StateIdle,
		tasks:   make(map[TaskID]*task[T]),
		results: make(map[TaskID]Outcome[T]),
	}
}

// Add registers a work function and returns its future. The task starts
// right away when the scheduler is running and capacity allows; otherwise
// it waits at the tail of the queue for Start or Resume.
func (s *Scheduler[T]) Add(fn WorkFunc[T], meta any) (*Handle[T], error) {
	if fn == nil {
		return nil, ErrNilWork
	}

	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return nil, ErrSchedulerCancelled
	}
	s.nextID++
	id := s.nextID
	ctx, cancel := context.WithCancel(context.Background())
	t := &task[T]{
		id:     id,
		fn:     fn,
		meta:   meta,
		state:  StatusQueued,
		ctx:    ctx,
		cancel: cancel,
		handle: newHandle[T](id, meta),
	}
	s.tasks[id] = t
	s.queue = append(s.queue, t)
	s.submitted++
	terminal, submitted := s.progressLocked()
	st := s.state
	s.dispatchLocked()
	s.mu.Unlock()

	s.log.Debug("task queued", zlog.Int64("task", int64(id)))
	s.emit(Event{Topic: TopicTaskQueued, Task: id, Meta: meta, State: st})
	if s.cfg.Hooks.OnProgress != nil {
		s.cfg.Hooks.OnProgress(terminal, submitted)
	}
	return t.handle, nil
}

// Start begins admission and drains the queue under the concurrency limit.
// It resumes a paused scheduler; it is a no-op while running or after
// Cancel.
func (s *Scheduler[T]) Start() { s.admit() }

// Resume restarts admission after Pause. On an idle or finished scheduler
// it behaves like Start.
func (s *Scheduler[T]) Resume() { s.admit() }

func (s *Scheduler[T]) admit() {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateRunning
	s.dispatchLocked()
	queued, active := len(s.queue), s.active
	s.mu.Unlock()

	topic, msg := TopicSchedStarted, "scheduler started"
	if prev == StatePaused {
		topic, msg = TopicSchedResumed, "scheduler resumed"
	}
	s.log.Info(msg, zlog.Int("queued", queued), zlog.Int("active", active))
	s.emit(Event{Topic: topic, State: StateRunning})
}

// Pause stops admission of queued tasks. Tasks already active run to
// completion; Pause never preempts.
func (s *Scheduler[T]) Pause() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	queued, active := len(s.queue), s.active
	s.mu.Unlock()

	s.log.Info("scheduler paused", zlog.Int("queued", queued), zlog.Int("active", active))
	s.emit(Event{Topic: TopicSchedPaused, State: StatePaused})
}

// Cancel stops the scheduler permanently. Every queued and active task is
// swept to a Cancelled outcome: its cancellation context fires, its future
// rejects with ErrCancelled, and its id is reported to OnCancel. Idempotent;
// a second call is a no-op. Work functions that ignore their context keep
// running, but their late results are discarded.
func (s *Scheduler[T]) Cancel() {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled

	out := Outcome[T]{Status: StatusCancelled, Err: ErrCancelled}
	victims := make([]*task[T], 0, len(s.tasks))
	for id, t := range s.tasks {
		t.cancel()
		s.recordLocked(id, out)
		victims = append(victims, t)
	}
	s.tasks = make(map[TaskID]*task[T])
	s.queue = nil
	s.active = 0
	fire := s.completionLocked()
	terminal, submitted := s.progressLocked()
	s.notifyDrainLocked()
	s.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].id < victims[j].id })
	swept := make([]TaskID, len(victims))
	for i, t := range victims {
		swept[i] = t.id
	}

	for _, t := range victims {
		t.handle.settle(out)
	}
	s.log.Info("scheduler cancelled", zlog.Int("swept", len(swept)))
	for _, t := range victims {
		s.emit(Event{Topic: TopicTaskCancelled, Task: t.id, Meta: t.meta, Error: ErrCancelled.Error(), State: StateCancelled})
	}
	s.emit(Event{Topic: TopicSchedCancel, State: StateCancelled, Swept: len(swept)})

	h := s.cfg.Hooks
	if h.OnCancel != nil && len(swept) > 0 {
		h.OnCancel(swept)
	}
	if h.OnProgress != nil && len(swept) > 0 {
		// One batched report for the whole sweep.
		h.OnProgress(terminal, submitted)
	}
	if fire && h.OnComplete != nil {
		h.OnComplete()
	}
}

// Drain blocks until no task is executing or ctx ends. It does not stop
// admission: pause first, or queued tasks keep refilling the active set.
func (s *Scheduler[T]) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainWaiters = append(s.drainWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// State returns the current run state.
func (s *Scheduler[T]) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns point-in-time counters and state. Never mutates; safe
// from any goroutine.
func (s *Scheduler[T]) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state,
		Queued:      len(s.queue),
		Active:      s.active,
		Fulfilled:   s.fulfilled,
		Rejected:    s.rejected,
		Cancelled:   s.cancelled,
		Submitted:   s.submitted,
		Terminal:    s.terminalLocked(),
		Concurrency: s.cfg.Concurrency,
		MaxRetries:  s.cfg.MaxRetries,
	}
}

// Results returns a copy of the terminal outcome map. Only terminal tasks
// appear; under MaxResults, evicted outcomes are absent.
func (s *Scheduler[T]) Results() map[TaskID]Outcome[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TaskID]Outcome[T], len(s.results))
	for id, o := range s.results {
		out[id] = o
	}
	return out
}

// TaskStatus reports where a task is in its lifecycle. ok is false for ids
// never submitted here and for outcomes evicted under MaxResults.
func (s *Scheduler[T]) TaskStatus(id TaskID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.results[id]; ok {
		return o.Status, true
	}
	if t, ok := s.tasks[id]; ok {
		return t.state, true
	}
	return 0, false
}
