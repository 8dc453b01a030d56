package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad cron grammar",
			body: `
log: {level: error, console: false}
trigger: {enabled: false}
jobs:
  - {name: tick, kind: sleep, schedule: "cron:61 * * * *"}
`,
			want: "invalid cron expression",
		},
		{
			name: "bad timezone",
			body: `
log: {level: error, console: false}
trigger: {enabled: true, timezone: Mars/OlympusMons}
jobs:
  - {name: tick, kind: sleep, schedule: 30s}
`,
			want: "trigger.timezone",
		},
		{
			name: "duplicate job names",
			body: `
log: {level: error, console: false}
trigger: {enabled: false}
jobs:
  - {name: tick, kind: sleep, schedule: 30s}
  - {name: tick, kind: sleep, schedule: 45s}
`,
			want: "duplicate name",
		},
		{
			name: "unknown field",
			body: `
log: {level: error, console: false}
owner: someone
jobs: []
`,
			want: "unknown",
		},
		{
			name: "bad sleep meta",
			body: `
log: {level: error, console: false}
trigger: {enabled: false}
jobs:
  - {name: nap, kind: sleep, schedule: 30s, meta: {duration: fast}}
`,
			want: "meta.duration",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("New() error = nil, want one containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("New() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, `
log: {level: error, console: false}
scheduler: {concurrency: 2}
trigger: {enabled: false}
jobs:
  - {name: nap, kind: sleep, schedule: 30s, meta: {duration: 10ms}}
  - {name: blink, kind: sleep, schedule: "@hourly", meta: {duration: 5ms}}
`)
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop(context.Background())

	var out bytes.Buffer
	if err := a.RunOnce(context.Background(), []string{"nap", "blink"}, &out); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	for _, want := range []string{"nap: ok", "blink: ok", "slept 10ms"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("RunOnce output = %q, want it to contain %q", out.String(), want)
		}
	}

	if err := a.RunOnce(context.Background(), []string{"ghost"}, &out); err == nil ||
		!strings.Contains(err.Error(), "not configured") {
		t.Fatalf("RunOnce(ghost) error = %v, want \"not configured\"", err)
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, `
log: {level: error, console: false}
trigger: {enabled: false}
jobs:
  - {name: broken, kind: command, schedule: 30s, command: [taskd-no-such-binary]}
  - {name: nap, kind: sleep, schedule: 30s, meta: {duration: 5ms}}
`)
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop(context.Background())

	var out bytes.Buffer
	err = a.RunOnce(context.Background(), []string{"broken", "nap"}, &out)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 jobs failed") {
		t.Fatalf("RunOnce() error = %v, want \"1 of 2 jobs failed\"", err)
	}
	if !strings.Contains(out.String(), "nap: ok") {
		t.Fatalf("RunOnce output = %q, want the healthy job reported ok", out.String())
	}
	if strings.Contains(out.String(), "broken: ok") {
		t.Fatalf("RunOnce output = %q, the broken job must not report ok", out.String())
	}
}

func TestDaemonStartStop(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, `
log: {level: error, console: false}
scheduler: {concurrency: 2}
trigger: {enabled: true, timezone: UTC}
history: {driver: memory, keep: 16}
jobs:
  - {name: tick, kind: sleep, schedule: "@every 1s", meta: {duration: 5ms}}
`)
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start() error = nil, want already-started error")
	}

	select {
	case <-a.Done():
		t.Fatalf("Done() closed right after Start, Err() = %v", a.Err())
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done() still open after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}
