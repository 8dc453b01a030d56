package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseAcceptsJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "taskd.json")
	writeConfigFile(t, jsonPath, `{
		"log": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"scheduler": {"concurrency": 2, "max_retries": 1},
		"trigger": {"enabled": true, "timezone": "UTC", "submit_rate_per_sec": 5},
		"jobs": [
			{"name": "noop", "schedule": "@hourly", "kind": "sleep", "timeout": "30s"}
		]
	}`)

	yamlPath := filepath.Join(dir, "taskd.yaml")
	writeConfigFile(t, yamlPath, `
log:
  level: debug
  console: true
scheduler:
  concurrency: 2
  max_retries: 1
trigger:
  enabled: true
  timezone: UTC
  submit_rate_per_sec: 5
jobs:
  - name: noop
    schedule: "@hourly"
    kind: sleep
    timeout: 30s
`)

	for _, path := range []string{jsonPath, yamlPath} {
		cfg, err := NewManager(path).Parse()
		if err != nil {
			t.Fatalf("Parse(%s): %v", filepath.Base(path), err)
		}
		if cfg.Log.Level != "debug" || !cfg.Log.Console {
			t.Fatalf("%s: log = %+v, want level=debug console=true", filepath.Base(path), cfg.Log)
		}
		if cfg.Scheduler.Concurrency != 2 || cfg.Scheduler.MaxRetries != 1 {
			t.Fatalf("%s: scheduler = %+v", filepath.Base(path), cfg.Scheduler)
		}
		if cfg.Trigger.SubmitRatePerSec != 5 || cfg.Trigger.Timezone != "UTC" {
			t.Fatalf("%s: trigger = %+v", filepath.Base(path), cfg.Trigger)
		}
		if len(cfg.Jobs) != 1 || cfg.Jobs[0].Name != "noop" || cfg.Jobs[0].Kind != "sleep" {
			t.Fatalf("%s: jobs = %+v", filepath.Base(path), cfg.Jobs)
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.json")
	writeConfigFile(t, path, `{"trigger": {"enabled": true, "workers": 4}, "jobs": []}`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted a config with an unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.json")
	writeConfigFile(t, path, `{"jobs": []}{"jobs": []}`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted concatenated JSON documents")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	job := func(mut func(*JobSpec)) []JobSpec {
		j := JobSpec{Name: "j", Schedule: "@hourly", Kind: "sleep"}
		if mut != nil {
			mut(&j)
		}
		return []JobSpec{j}
	}

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"minimal ok", Config{Jobs: job(nil)}, ""},
		{"command ok", Config{Jobs: job(func(j *JobSpec) {
			j.Kind = "command"
			j.Command = []string{"true"}
		})}, ""},
		{"missing name", Config{Jobs: job(func(j *JobSpec) { j.Name = " " })}, "name is required"},
		{"missing schedule", Config{Jobs: job(func(j *JobSpec) { j.Schedule = "" })}, "schedule is required"},
		{"missing kind", Config{Jobs: job(func(j *JobSpec) { j.Kind = "" })}, "kind is required"},
		{"unknown kind", Config{Jobs: job(func(j *JobSpec) { j.Kind = "ftp" })}, `unknown kind "ftp"`},
		{"command without argv", Config{Jobs: job(func(j *JobSpec) { j.Kind = "command" })}, "command is required"},
		{"http without url", Config{Jobs: job(func(j *JobSpec) { j.Kind = "http" })}, "url is required"},
		{"bad timeout", Config{Jobs: job(func(j *JobSpec) { j.Timeout = "10 parsecs" })}, "invalid duration"},
		{"negative rate", Config{Trigger: TriggerConfig{SubmitRatePerSec: -1}}, "submit_rate_per_sec"},
		{"negative max_results", Config{Scheduler: SchedulerConfig{MaxResults: -1}}, "max_results"},
		{"unknown history driver", Config{History: &HistoryConfig{Driver: "redis"}}, "unknown driver"},
		{"sqlite without path", Config{History: &HistoryConfig{Driver: "sqlite"}}, "history.path is required"},
		{"duplicate job names", Config{Jobs: []JobSpec{
			{Name: "j", Schedule: "@hourly", Kind: "sleep"},
			{Name: "j", Schedule: "@daily", Kind: "sleep"},
		}}, "duplicate name"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"750ms", 750 * time.Millisecond, false},
		{"2m30s", 2*time.Minute + 30*time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
		{"10", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) = %v, want error", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")

	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
	// Unsubscribing twice (or a foreign channel) is a no-op.
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}

func TestWatchPublishesValidReloadsOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.json")
	writeConfigFile(t, path, `{"trigger": {"enabled": false}, "jobs": []}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = m.Watch(ctx)
	}()
	sub := m.Subscribe(1)

	// A syntactically broken update must not be committed or published.
	writeConfigFile(t, path, `{"trigger": {"enabled": true}, "bogus": 1}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config was published: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}
	if cfg := m.Get(); cfg.Trigger.Enabled {
		t.Fatal("invalid config was committed")
	}

	// A valid update is published. Rewrite periodically in case the first
	// write raced watcher startup; the hash check makes repeats harmless.
	valid := `{"trigger": {"enabled": true}, "jobs": []}`
	writeConfigFile(t, path, valid)
	deadline := time.After(10 * time.Second)
	nudge := time.NewTicker(600 * time.Millisecond)
	defer nudge.Stop()
	for {
		select {
		case cfg := <-sub:
			if !cfg.Trigger.Enabled {
				t.Fatalf("published config = %+v, want trigger.enabled=true", cfg)
			}
			if got := m.Get(); !got.Trigger.Enabled {
				t.Fatal("publish arrived before commit")
			}
			cancel()
			<-watchDone
			return
		case <-nudge.C:
			writeConfigFile(t, path, valid)
		case <-deadline:
			t.Fatal("timed out waiting for config publish")
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Log:     LogConfig{Level: "info", Console: true},
		Trigger: TriggerConfig{Enabled: true, SubmitRatePerSec: 2},
		Jobs: []JobSpec{
			{Name: "keep", Schedule: "@hourly", Kind: "sleep"},
			{Name: "edit", Schedule: "@hourly", Kind: "sleep"},
			{Name: "drop", Schedule: "@hourly", Kind: "sleep"},
		},
	}
	newCfg := &Config{
		Log:     LogConfig{Level: "debug", Console: true},
		Trigger: TriggerConfig{Enabled: true, SubmitRatePerSec: 2},
		Jobs: []JobSpec{
			{Name: "keep", Schedule: "@hourly", Kind: "sleep"},
			{Name: "edit", Schedule: "@daily", Kind: "sleep"},
			{Name: "add", Schedule: "@hourly", Kind: "sleep"},
		},
	}

	changed, _, jobs := SummarizeChange(oldCfg, newCfg)
	wantSections := []string{"jobs", "log"}
	if len(changed) != len(wantSections) {
		t.Fatalf("changed = %v, want %v", changed, wantSections)
	}
	for i, s := range wantSections {
		if changed[i] != s {
			t.Fatalf("changed = %v, want %v", changed, wantSections)
		}
	}

	wantJobs := []string{"add", "drop", "edit"}
	if len(jobs) != len(wantJobs) {
		t.Fatalf("jobs = %v, want %v", jobs, wantJobs)
	}
	for i, s := range wantJobs {
		if jobs[i] != s {
			t.Fatalf("jobs = %v, want %v", jobs, wantJobs)
		}
	}

	if changed, _, jobs := SummarizeChange(oldCfg, oldCfg); len(changed) != 0 || len(jobs) != 0 {
		t.Fatalf("identical configs: changed = %v, jobs = %v", changed, jobs)
	}
}
