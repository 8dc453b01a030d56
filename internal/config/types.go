package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Log       LogConfig       `json:"log"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Trigger   TriggerConfig   `json:"trigger"`

	// History controls the run journal. If omitted, no history is kept.
	History *HistoryConfig `json:"history,omitempty"`

	// Debug controls the local pprof/status HTTP server. Off when omitted.
	Debug *DebugConfig `json:"debug,omitempty"`

	Jobs []JobSpec `json:"jobs"`
}

type LogConfig struct {
	Level   string  `json:"level"`
	Console bool    `json:"console"`
	File    LogFile `json:"file"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the execution pool.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 5
//   - max_retries: 3 (use -1 to disable retries)
//   - max_results: 0 (keep every outcome)
//
// These knobs are fixed at startup; changing them in the file logs a
// "restart required" warning instead of taking effect.
type SchedulerConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	MaxRetries  int `json:"max_retries,omitempty"`
	MaxResults  int `json:"max_results,omitempty"`
}

// TriggerConfig controls the cron trigger that submits jobs.
//
// SubmitRatePerSec caps submissions across all jobs; 0 disables the cap.
type TriggerConfig struct {
	Enabled          bool   `json:"enabled"`
	Timezone         string `json:"timezone,omitempty"`
	SubmitRatePerSec int    `json:"submit_rate_per_sec,omitempty"`
}

// HistoryConfig controls the run journal.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./taskd_history.db", "keep": 1000 }
//
// Defaults (when fields are omitted/zero):
//   - driver: "none"
//   - keep: 1000 rows (memory and sqlite)
type HistoryConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	Keep   int    `json:"keep,omitempty"`
}

// DebugConfig controls the debug HTTP server (pprof, /healthz, /statusz).
// Addr defaults to 127.0.0.1:6060; the endpoints carry no auth, so keep it
// on loopback.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// JobSpec describes one recurring job.
//
// Schedule accepts a cron expression (5 or 6 fields), a descriptor such as
// "@hourly" or "@every 90s", a bare Go duration ("45s"), or "HH:MM" for a
// daily run. Timeout is a Go duration string; empty means no timeout.
type JobSpec struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// Kind selects the work function: "command", "http" or "sleep".
	Kind string `json:"kind"`

	// Command is the argv for kind "command". The first element is the
	// binary; no shell is involved.
	Command []string `json:"command,omitempty"`

	// URL is the target for kind "http".
	URL string `json:"url,omitempty"`

	Timeout string `json:"timeout,omitempty"`

	// Meta is carried opaquely on the task handle and into history rows.
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Validate checks structure only: field bounds, duration syntax, job kinds
// and name uniqueness. Semantic checks that need other packages (schedule
// grammar, timezone lookup) are installed as a Watch validator by the app.
func (c *Config) Validate() error {
	if c.Trigger.SubmitRatePerSec < 0 {
		return fmt.Errorf("trigger.submit_rate_per_sec must be >= 0")
	}
	if c.Scheduler.MaxResults < 0 {
		return fmt.Errorf("scheduler.max_results must be >= 0")
	}

	if h := c.History; h != nil {
		switch strings.TrimSpace(h.Driver) {
		case "", "none", "memory", "sqlite":
		default:
			return fmt.Errorf("history.driver: unknown driver %q", h.Driver)
		}
		if strings.TrimSpace(h.Driver) == "sqlite" && strings.TrimSpace(h.Path) == "" {
			return fmt.Errorf("history.path is required for the sqlite driver")
		}
		if h.Keep < 0 {
			return fmt.Errorf("history.keep must be >= 0")
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		if err := c.Jobs[i].validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		name := c.Jobs[i].Name
		if _, dup := seen[name]; dup {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (j *JobSpec) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return fmt.Errorf("schedule is required")
	}
	switch j.Kind {
	case "command":
		if len(j.Command) == 0 {
			return fmt.Errorf("command is required for kind \"command\"")
		}
	case "http":
		if strings.TrimSpace(j.URL) == "" {
			return fmt.Errorf("url is required for kind \"http\"")
		}
	case "sleep":
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", j.Kind)
	}
	if _, err := ParseDurationField("timeout", j.Timeout); err != nil {
		return err
	}
	return nil
}
