package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, zlog.Nop())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %T, want nil store", driver, st)
		}
	}

	if _, err := Open(Config{Driver: "redis"}, zlog.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}

	st, err := Open(Config{Driver: "memory"}, zlog.Nop())
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	if st == nil {
		t.Fatal("Open(memory) = nil store")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMemoryRingBound(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory", Keep: 3}, zlog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := Run{Task: int64(i), Job: fmt.Sprintf("job-%d", i), Status: "fulfilled"}
		if err := st.AppendRun(ctx, run); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	got, err := st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(RecentRuns) = %d, want 3", len(got))
	}
	for i, want := range []string{"job-4", "job-3", "job-2"} {
		if got[i].Job != want {
			t.Fatalf("RecentRuns[%d].Job = %q, want %q", i, got[i].Job, want)
		}
	}

	two, err := st.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns(2): %v", err)
	}
	if len(two) != 2 || two[0].Job != "job-4" {
		t.Fatalf("RecentRuns(2) = %+v", two)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal", "history.db")
	cfg := Config{Driver: "sqlite", Path: path, Keep: 3}

	st, err := Open(cfg, zlog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	at := time.Now()
	for i := 0; i < 5; i++ {
		run := Run{
			At:       at.Add(time.Duration(i) * time.Second),
			Task:     int64(i),
			Job:      fmt.Sprintf("job-%d", i),
			Status:   "fulfilled",
			Attempts: i,
			Elapsed:  time.Duration(i) * 250 * time.Millisecond,
		}
		if i == 4 {
			run.Status = "rejected"
			run.Error = "boom"
		}
		if err := st.AppendRun(ctx, run); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	got, err := st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(RecentRuns) = %d, want 3 (pruned to keep)", len(got))
	}

	newest := got[0]
	if newest.Job != "job-4" || newest.Status != "rejected" || newest.Error != "boom" {
		t.Fatalf("newest = %+v", newest)
	}
	if newest.Task != 4 || newest.Attempts != 4 {
		t.Fatalf("newest ids = task %d attempts %d, want 4/4", newest.Task, newest.Attempts)
	}
	if newest.Elapsed != time.Second {
		t.Fatalf("Elapsed = %v, want 1s", newest.Elapsed)
	}
	if !newest.At.Equal(at.Add(4 * time.Second)) {
		t.Fatalf("At = %v, want %v", newest.At, at.Add(4*time.Second))
	}
	if got[2].Error != "" {
		t.Fatalf("empty error column read back as %q", got[2].Error)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Rows survive a reopen.
	st2, err := Open(cfg, zlog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	again, err := st2.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(again) != 3 || again[0].Job != "job-4" {
		t.Fatalf("after reopen = %+v", again)
	}
}

func TestWriterJournalsTerminalEventsOnly(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory"}, zlog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewWriter(st, zlog.Nop()).Run(context.Background(), ch)
	}()

	now := time.Now()
	publish := func(se sched.Event) {
		bus.Publish(eventbus.Event{Topic: se.Topic, Time: se.Time, Data: se})
	}
	publish(sched.Event{Topic: sched.TopicTaskStarted, Time: now, Task: 1, Meta: "backup"})
	publish(sched.Event{Topic: sched.TopicTaskFulfilled, Time: now, Task: 1, Meta: "backup", Attempts: 0, Elapsed: 5 * time.Millisecond})
	publish(sched.Event{Topic: sched.TopicTaskRejected, Time: now, Task: 2, Meta: "ping", Attempts: 3, Error: "boom"})
	publish(sched.Event{Topic: sched.TopicTaskCancelled, Time: now, Task: 3, Meta: "sleepy"})
	publish(sched.Event{Topic: sched.TopicSchedComplete, Time: now})
	bus.Publish(eventbus.Event{Topic: "noise", Data: "not a sched event"})

	unsub()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not drain after unsubscribe")
	}

	got, err := st.RecentRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(RecentRuns) = %d, want 3", len(got))
	}

	// Newest first: cancelled, rejected, fulfilled.
	if got[0].Job != "sleepy" || got[0].Status != "cancelled" {
		t.Fatalf("got[0] = %+v", got[0])
	}
	if got[1].Job != "ping" || got[1].Status != "rejected" || got[1].Error != "boom" || got[1].Attempts != 3 {
		t.Fatalf("got[1] = %+v", got[1])
	}
	if got[2].Job != "backup" || got[2].Status != "fulfilled" || got[2].Elapsed != 5*time.Millisecond {
		t.Fatalf("got[2] = %+v", got[2])
	}
}
