package history

import (
	"context"
	"time"

	"taskd/internal/eventbus"
	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

// writeTimeout bounds one store append so a wedged database cannot stall
// the event drain.
const writeTimeout = time.Second

// Writer consumes scheduler events from the bus and journals the terminal
// ones. Non-terminal and scheduler-level topics pass through untouched.
type Writer struct {
	store Store
	log   zlog.Logger
}

func NewWriter(store Store, log zlog.Logger) *Writer {
	if log.IsZero() {
		log = zlog.Nop()
	}
	return &Writer{store: store, log: log}
}

// Run journals events until the channel closes, which is how the caller
// drains on shutdown: unsubscribe, then wait for Run to return. ctx bounds
// in-flight store writes only.
func (w *Writer) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for ev := range events {
		w.record(ctx, ev)
	}
	return nil
}

func (w *Writer) record(ctx context.Context, ev eventbus.Event) {
	se, ok := ev.Data.(sched.Event)
	if !ok {
		return
	}

	var status string
	switch se.Topic {
	case sched.TopicTaskFulfilled:
		status = sched.StatusFulfilled.String()
	case sched.TopicTaskRejected:
		status = sched.StatusRejected.String()
	case sched.TopicTaskCancelled:
		status = sched.StatusCancelled.String()
	default:
		return
	}

	run := Run{
		At:       se.Time,
		Task:     int64(se.Task),
		Job:      jobName(se.Meta),
		Status:   status,
		Attempts: se.Attempts,
		Elapsed:  se.Elapsed,
		Error:    se.Error,
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := w.store.AppendRun(wctx, run)
	cancel()
	if err != nil {
		w.log.Warn("history append failed",
			zlog.String("job", run.Job), zlog.Int64("task", run.Task), zlog.Err(err))
	}
}

// jobName extracts the submit-time label; the daemon passes the job name as
// task meta.
func jobName(meta any) string {
	if s, ok := meta.(string); ok {
		return s
	}
	return ""
}
