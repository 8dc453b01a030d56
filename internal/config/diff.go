package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"taskd/pkg/zlog"
)

// SummarizeChange returns (1) the sorted list of changed top-level
// sections, (2) structured attrs describing the new values of those
// sections, and (3) the sorted names of jobs that were added, removed or
// edited. The reload path logs all three in a single line.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []zlog.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]zlog.Field, 0, 16)

	// Log
	if oldCfg.Log != newCfg.Log {
		changed = append(changed, "log")
		attrs = append(attrs,
			zlog.String("log.level", newCfg.Log.Level),
			zlog.Bool("log.console", newCfg.Log.Console),
			zlog.Bool("log.file_enabled", newCfg.Log.File.Enabled),
		)
	}

	// Scheduler. These knobs are fixed at startup; the caller decides how
	// loudly to complain when they differ.
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			zlog.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			zlog.Int("scheduler.max_retries", newCfg.Scheduler.MaxRetries),
			zlog.Int("scheduler.max_results", newCfg.Scheduler.MaxResults),
		)
	}

	// Trigger
	if oldCfg.Trigger.Enabled != newCfg.Trigger.Enabled ||
		strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) ||
		oldCfg.Trigger.SubmitRatePerSec != newCfg.Trigger.SubmitRatePerSec {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			zlog.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			zlog.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
			zlog.Int("trigger.submit_rate_per_sec", newCfg.Trigger.SubmitRatePerSec),
		)
	}

	// History. Nil means disabled.
	oldH := derefHistory(oldCfg.History)
	newH := derefHistory(newCfg.History)
	if !reflect.DeepEqual(oldH, newH) {
		changed = append(changed, "history")
		attrs = append(attrs,
			zlog.String("history.driver", strings.TrimSpace(newH.Driver)),
			zlog.Bool("history.path_set", strings.TrimSpace(newH.Path) != ""),
			zlog.Int("history.keep", newH.Keep),
		)
	}

	// Debug server. Nil means disabled.
	oldD := derefDebug(oldCfg.Debug)
	newD := derefDebug(newCfg.Debug)
	if oldD != newD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			zlog.Bool("debug.enabled", newD.Enabled),
			zlog.String("debug.addr", strings.TrimSpace(newD.Addr)),
		)
	}

	// Jobs (names only; per-job details at debug)
	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			zlog.Int("jobs.changed_count", len(jobsChanged)),
			zlog.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefHistory(h *HistoryConfig) HistoryConfig {
	if h == nil {
		return HistoryConfig{}
	}
	return *h
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

// diffJobs compares job lists by name, hashing each spec's canonical JSON
// so field order and whitespace never register as a change.
func diffJobs(oldJ, newJ []JobSpec) []string {
	oldM := make(map[string]uint64, len(oldJ))
	for i := range oldJ {
		oldM[oldJ[i].Name] = hashJobSpec(&oldJ[i])
	}
	newM := make(map[string]uint64, len(newJ))
	for i := range newJ {
		newM[newJ[i].Name] = hashJobSpec(&newJ[i])
	}

	set := map[string]struct{}{}
	for name := range oldM {
		set[name] = struct{}{}
	}
	for name := range newM {
		set[name] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		oh, inOld := oldM[name]
		nh, inNew := newM[name]
		if !inOld || !inNew || oh != nh {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hashJobSpec(j *JobSpec) uint64 {
	b, err := json.Marshal(j)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
