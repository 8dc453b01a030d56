// Package history journals terminal task outcomes so operators can see what
// ran, when, and how it ended. It is an append-only log; scheduler state is
// never persisted or restored from it.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskd/pkg/zlog"
)

// Run is one terminal task outcome. Keep it compact and schema-stable.
type Run struct {
	At       time.Time     `json:"at"`
	Task     int64         `json:"task"`
	Job      string        `json:"job,omitempty"`
	Status   string        `json:"status"` // fulfilled | rejected | cancelled
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}

// Store journals runs. Implementations are safe for concurrent use.
type Store interface {
	AppendRun(ctx context.Context, r Run) error

	// RecentRuns returns up to limit runs, newest first. limit <= 0 returns
	// everything retained.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)

	Close() error
}

// Config configures the journal.
//
// Driver values:
//   - "memory": bounded in-process ring, lost on exit
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver string
	Path   string // sqlite only
	Keep   int    // row cap; 0 means the default
}

const defaultKeep = 1000

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log zlog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = zlog.Nop()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}

	switch driver {
	case "memory":
		return newMemory(cfg.Keep), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
