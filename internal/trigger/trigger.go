// Package trigger fires configured schedules and hands every firing to a
// submit callback, typically one that enqueues a job on the scheduler.
//
// Schedule strings are normalized by ParseSchedule and registered with a
// shared cron runner. Definitions are upserted by name so a config reload
// can re-register jobs without accumulating duplicates, and a global rate
// limiter keeps a hot schedule from flooding the scheduler.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskd/pkg/zlog"
)

// Config controls the trigger service.
type Config struct {
	// Enabled gates whether the daemon starts the service. The service
	// itself does not check it.
	Enabled bool

	// Timezone is an IANA zone name for cron evaluation. Empty means the
	// host's local zone.
	Timezone string

	// SubmitRatePerSec caps submissions across all schedules. 0 means no cap.
	SubmitRatePerSec int
}

// A def is one named schedule. spec is already normalized (ParsedSpec.Expr).
type def struct {
	name    string
	spec    string
	submit  func() error
	entryID cron.EntryID
}

// ScheduleInfo describes one registered schedule for diagnostics.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type Service struct {
	mu      sync.Mutex
	log     zlog.Logger
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	defs    []def
	limiter *rate.Limiter

	// Submit error throttling, keyed by schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, log zlog.Logger) *Service {
	if log.IsZero() {
		log = zlog.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		parser:   newSpecParser(),
		limiter:  newLimiter(cfg.SubmitRatePerSec),
		lastWarn: map[string]time.Time{},
	}
}

// newSpecParser builds the parser shared by the service and ValidateSchedule.
// SecondOptional accepts both 5-field and 6-field (leading seconds) specs.
func newSpecParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// ValidateSchedule reports whether raw both classifies and registers cleanly.
// Config validation calls it before a reload is committed, so a bad cron
// expression is rejected upfront instead of failing at registration.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if _, err := newSpecParser().Parse(ps.Expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", ps.Expr, err)
	}
	return nil
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers a named schedule, replacing any previous one with the same
// name. When the service is running the entry starts firing immediately;
// otherwise it is registered by Start.
func (s *Service) Add(name, schedule string, submit func() error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	if submit == nil {
		return errors.New("submit callback is required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	s.defs = append(s.defs, def{name: name, spec: ps.Expr, submit: submit})
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return fmt.Errorf("register %q: %w", name, err)
	}
	return nil
}

// Remove unregisters the named schedule. It reports whether anything was
// removed and is safe to call while the service is stopped.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", zlog.String("name", name))
	}
	return removed
}

// Apply installs a new configuration. A timezone change restarts the cron
// runner in the new location and re-registers every definition; a rate
// change swaps the limiter. Enabled transitions are the caller's concern.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldRate := s.cfg.SubmitRatePerSec
	s.cfg = cfg

	if cfg.SubmitRatePerSec != oldRate {
		s.limiter = newLimiter(cfg.SubmitRatePerSec)
	}
	if s.c != nil && strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.restartLocked()
	}
}

// Start builds the cron runner and registers all known definitions. Calling
// Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				zlog.String("name", s.defs[i].name), zlog.String("spec", s.defs[i].spec), zlog.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger started", zlog.String("tz", loc.String()), zlog.Int("schedules", len(s.defs)))
}

// Stop halts the runner and waits for in-flight firings, bounded by ctx.
// Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped", zlog.Duration("took", time.Since(start)))
}

// Snapshot lists the registered schedules with their next and previous run
// times. Both are zero until the service has started.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defs := make([]def, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}

// registerLocked adds one definition to the running cron. Call with s.mu
// held and s.c non-nil.
func (s *Service) registerLocked(d *def) error {
	// The closure captures the values, not the def: defs is append-grown
	// and elements move.
	name, submit := d.name, d.submit
	id, err := s.c.AddJob(d.spec, cron.FuncJob(func() { s.fire(name, submit) }))
	if err != nil {
		return err
	}
	d.entryID = id

	args := []zlog.Field{zlog.String("name", d.name), zlog.String("spec", d.spec)}
	if next := s.previewLocked(d.spec, 3); next != "" {
		args = append(args, zlog.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// removeLocked drops every def matching name and unregisters it from the
// runner when started. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// restartLocked rebuilds the runner in the current timezone and re-registers
// every definition. Call with s.mu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				zlog.String("name", s.defs[i].name), zlog.String("spec", s.defs[i].spec), zlog.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger restarted", zlog.String("tz", loc.String()), zlog.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", zlog.String("tz", tz), zlog.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked renders the next n run times for spec, or "" when debug
// logging is off. Call with s.mu held.
func (s *Service) previewLocked(spec string, n int) string {
	if n <= 0 || !s.log.Enabled(zlog.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
