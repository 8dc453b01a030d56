// Package app assembles and runs the daemon: configuration, logging, the
// event bus, run history, the scheduler and the cron trigger, wired in that
// order and torn down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/history"
	"taskd/internal/jobs"
	"taskd/internal/observability/pprof"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/trigger"
	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

// App owns every long-lived component. Construct with New, then either
// Start/Stop for daemon mode or RunOnce for a one-shot run.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  zlog.Logger
	logs *zlog.Service

	bus   eventbus.Bus
	store history.Store

	scheduler *sched.Scheduler[jobs.Result]
	trigger   *trigger.Service
	builder   *jobs.Builder
	debug     *pprof.Service

	histUnsub  func()
	writerDone chan struct{}
}

// New loads the config at cfgPath and assembles the component graph. No
// goroutines start here; that is Start's job, so a failed New leaves nothing
// behind once its sinks are closed.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := zlog.New(logConfig(cfg))
	log := root.With(zlog.String("comp", "app"))

	bus := eventbus.New()

	// History is optional; Open returns a nil store when no driver is set.
	store, err := history.Open(historyConfig(cfg), root.With(zlog.String("comp", "history")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	if store != nil {
		log.Info("history enabled", zlog.String("driver", cfg.History.Driver))
	}

	schedLog := root.With(zlog.String("comp", "sched"))
	scheduler := sched.New[jobs.Result](sched.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		MaxRetries:  cfg.Scheduler.MaxRetries,
		MaxResults:  cfg.Scheduler.MaxResults,
		Hooks: sched.Hooks{
			OnProgress: func(terminal, submitted int) {
				schedLog.Debug("progress",
					zlog.Int("terminal", terminal),
					zlog.Int("submitted", submitted))
			},
			OnComplete: func() {
				schedLog.Info("all submitted tasks settled")
			},
			OnError: func(err error, id sched.TaskID) {
				schedLog.Warn("task failed permanently",
					zlog.Int64("task", int64(id)),
					zlog.Err(err))
			},
			OnCancel: func(ids []sched.TaskID) {
				schedLog.Info("tasks swept", zlog.Int("count", len(ids)))
			},
		},
		// The bus fans lifecycle events out to the history writer and the
		// debug event log without the scheduler knowing either exists.
		Sink: func(ev sched.Event) {
			bus.Publish(eventbus.Event{Topic: ev.Topic, Time: ev.Time, Data: ev})
		},
	}, schedLog)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		store:     store,
		scheduler: scheduler,
		builder:   jobs.NewBuilder(root.With(zlog.String("comp", "jobs"))),
		trigger:   trigger.New(triggerConfig(cfg), root.With(zlog.String("comp", "trigger"))),
	}
	a.debug = pprof.New(debugConfig(cfg), a.statusz, root.With(zlog.String("comp", "debug")))

	// A job that cannot be built or scheduled is a config error. Fail the
	// boot rather than run a partial job set; reloads are more forgiving.
	if err := a.validateConfig(context.Background(), cfg); err != nil {
		a.closeSinks()
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := a.applyJobs(nil, cfg); err != nil {
		a.closeSinks()
		return nil, err
	}
	return a, nil
}

// Done is closed when the supervisor context ends: the parent context was
// cancelled, a supervised goroutine failed, or Stop ran.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the daemon online: task admission, history journaling, the
// cron trigger, config watching and systemd notification. The supervisor is
// bound to ctx; cancelling ctx begins shutdown, but Stop still has to run.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.logs.Logger().With(zlog.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.logs.Logger().With(zlog.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	a.scheduler.Start()

	if a.store != nil {
		events, unsub := a.bus.Subscribe(64)
		a.histUnsub = unsub
		a.writerDone = make(chan struct{})
		w := history.NewWriter(a.store, a.logs.Logger().With(zlog.String("comp", "history")))
		a.sup.Go("history.writer", func(c context.Context) error {
			defer close(a.writerDone)
			return w.Run(c, events)
		})
	}

	a.startEventLog()

	if a.trigger.Enabled() {
		a.trigger.Start(a.sup.Context())
	} else {
		a.log.Info("trigger disabled; tasks run only via -once or a config enable")
	}

	// The debug server is optional observability; a bind failure must not
	// take the daemon down.
	if a.debug.Enabled() {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server failed to start", zlog.Err(err))
		}
	}

	a.startReloadFanout()
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()

	cfg := a.cfgm.Get()
	a.log.Info("app started",
		zlog.Int("jobs", len(cfg.Jobs)),
		zlog.Bool("trigger", a.trigger.Enabled()),
		zlog.Bool("history", a.store != nil),
		zlog.Bool("debug", a.debug.Enabled()),
	)
	return nil
}

// Stop tears the daemon down in dependency order: stop admitting new work,
// let active tasks finish, sweep the rest, flush the journal, then unwind
// the background loops. The supervisor is cancelled only after the journal
// drain so the writer's context survives long enough to record the sweep.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeSinks()
		return nil
	}
	a.log.Info("stopping")
	a.notifyStopping()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", zlog.String("name", name), zlog.Duration("max", max))

		// Respect the caller's deadline; never extend it.
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", zlog.String("name", name), zlog.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", zlog.String("name", name), zlog.Duration("took", took))
			} else {
				a.log.Debug("stop step end", zlog.String("name", name), zlog.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and observe when it finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				zlog.String("name", name),
				zlog.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						zlog.String("name", name), zlog.Err(err), zlog.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						zlog.String("name", name), zlog.Duration("took", took))
				}
			}()
		}
	}

	// No new submissions once the trigger is down.
	step("trigger", 3*time.Second, func(c context.Context) error {
		a.trigger.Stop(c)
		return nil
	})

	// Let active tasks finish, then sweep whatever is left.
	step("drain", 10*time.Second, func(c context.Context) error {
		a.scheduler.Pause()
		return a.scheduler.Drain(c)
	})
	a.scheduler.Cancel()

	// The sweep above emitted the final events. Close the journal tap and
	// wait for the writer to record them before its context dies.
	if a.histUnsub != nil {
		step("history.drain", 3*time.Second, func(c context.Context) error {
			a.histUnsub()
			select {
			case <-a.writerDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}

	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})

	// Unwind the background loops (event log, config reload/watch).
	a.sup.Cancel()
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.closeSinks()
	return nil
}

// RunOnce submits the named configured jobs immediately, waits for every
// outcome and writes one line per job to out. The trigger and the config
// watcher never start. Returns an error if any job failed or was cancelled.
func (a *App) RunOnce(ctx context.Context, names []string, out io.Writer) error {
	cfg := a.cfgm.Get()
	byName := make(map[string]config.JobSpec, len(cfg.Jobs))
	for i := range cfg.Jobs {
		byName[cfg.Jobs[i].Name] = cfg.Jobs[i]
	}

	a.scheduler.Start()

	type submitted struct {
		name   string
		handle *sched.Handle[jobs.Result]
	}
	subs := make([]submitted, 0, len(names))
	for _, name := range names {
		spec, ok := byName[name]
		if !ok {
			return fmt.Errorf("job %q is not configured", name)
		}
		fn, err := a.builder.Build(spec)
		if err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
		h, err := a.scheduler.Add(fn, name)
		if err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
		subs = append(subs, submitted{name: name, handle: h})
	}

	failed := 0
	for _, s := range subs {
		res, err := s.handle.Wait(ctx)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(out, "%s: %v\n", s.name, err)
		case strings.TrimSpace(res.Output) != "":
			fmt.Fprintf(out, "%s: ok\n%s\n", s.name, strings.TrimSpace(res.Output))
		default:
			fmt.Fprintf(out, "%s: ok\n", s.name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(subs))
	}
	return nil
}

// validateConfig vets a config candidate beyond the structural checks the
// parser already ran: every job must build, every schedule must parse, and
// the trigger timezone must resolve. Candidates rejected here never reach
// the reload fanout.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	for i := range cfg.Jobs {
		spec := cfg.Jobs[i]
		if err := trigger.ValidateSchedule(spec.Schedule); err != nil {
			return fmt.Errorf("job %q: %w", spec.Name, err)
		}
		if _, err := a.builder.Build(spec); err != nil {
			return fmt.Errorf("job %q: %w", spec.Name, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// applyJobs reconciles the trigger's schedule set with the configured jobs:
// every configured job is (re)registered under its name, and jobs dropped
// from the config are removed. Errors are joined so one bad job does not
// block the rest.
func (a *App) applyJobs(oldCfg, newCfg *config.Config) error {
	if oldCfg != nil {
		keep := make(map[string]bool, len(newCfg.Jobs))
		for i := range newCfg.Jobs {
			keep[newCfg.Jobs[i].Name] = true
		}
		for i := range oldCfg.Jobs {
			if name := oldCfg.Jobs[i].Name; !keep[name] {
				if a.trigger.Remove(name) {
					a.log.Info("job removed", zlog.String("job", name))
				}
			}
		}
	}

	var errs []error
	for i := range newCfg.Jobs {
		spec := newCfg.Jobs[i]
		fn, err := a.builder.Build(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", spec.Name, err))
			continue
		}
		if err := a.trigger.Add(spec.Name, spec.Schedule, a.submit(spec.Name, fn)); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// submit builds the trigger callback for one job. The job name rides along
// as task meta so lifecycle events and history rows can name the job.
func (a *App) submit(name string, fn sched.WorkFunc[jobs.Result]) func() error {
	return func() error {
		_, err := a.scheduler.Add(fn, name)
		return err
	}
}

// startEventLog mirrors bus traffic to the debug log. With log.level debug
// this shows the full task flow without needing a history store.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if !a.log.Enabled(zlog.LevelDebug) {
					continue
				}
				fields := make([]zlog.Field, 0, 6)
				fields = append(fields, zlog.String("topic", e.Topic))
				if se, ok := e.Data.(sched.Event); ok {
					if se.Task != 0 {
						fields = append(fields, zlog.Int64("task", int64(se.Task)))
					}
					if name, ok := se.Meta.(string); ok && name != "" {
						fields = append(fields, zlog.String("job", name))
					}
					if se.Attempts > 0 {
						fields = append(fields, zlog.Int("attempts", se.Attempts))
					}
					if se.Error != "" {
						fields = append(fields, zlog.String("error", se.Error))
					}
					if se.Swept > 0 {
						fields = append(fields, zlog.Int("swept", se.Swept))
					}
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

// startReloadFanout applies committed config snapshots to the running
// components. Commit bursts (editors fire several writes per save) collapse
// into a single apply of the newest snapshot.
func (a *App) startReloadFanout() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest snapshot.
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							goto APPLY
						}
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyReload pushes one committed config snapshot into the running
// components. Logging is reconfigured first so everything after it logs at
// the new level.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]zlog.Field{zlog.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedJobs) > 0 {
		a.log.Debug("job config changes detected", zlog.Any("jobs", changedJobs))
	}

	a.logs.Apply(logConfig(newCfg))

	// Scheduler limits and the history store are fixed at startup.
	for _, s := range sections {
		switch s {
		case "scheduler":
			a.log.Warn("scheduler config changed; restart required for changes to take effect")
		case "history":
			a.log.Warn("history config changed; restart required for changes to take effect")
		}
	}

	prevEnabled := a.trigger.Enabled()
	a.trigger.Apply(triggerConfig(newCfg))

	if err := a.applyJobs(oldCfg, newCfg); err != nil {
		a.log.Warn("some jobs failed to re-register", zlog.Err(err))
	}

	// Enable/disable the trigger on the fly.
	if prevEnabled && !newCfg.Trigger.Enabled {
		a.log.Info("trigger disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trigger.Stop(stopCtx)
		cancel()
	} else if !prevEnabled && newCfg.Trigger.Enabled {
		a.log.Info("trigger enabled via config")
		a.trigger.Start(ctx)
	}

	a.debug.Apply(ctx, debugConfig(newCfg))

	a.log.Info("config reloaded", zlog.String("changed", strings.Join(sections, ",")))
}

// closeSinks releases what New opened. Safe after a partial boot.
func (a *App) closeSinks() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("history close failed", zlog.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

func logConfig(cfg *config.Config) zlog.Config {
	return zlog.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: zlog.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

func triggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Enabled:          cfg.Trigger.Enabled,
		Timezone:         cfg.Trigger.Timezone,
		SubmitRatePerSec: cfg.Trigger.SubmitRatePerSec,
	}
}

func historyConfig(cfg *config.Config) history.Config {
	if cfg.History == nil {
		return history.Config{}
	}
	return history.Config{
		Driver: cfg.History.Driver,
		Path:   cfg.History.Path,
		Keep:   cfg.History.Keep,
	}
}

func debugConfig(cfg *config.Config) pprof.Config {
	if cfg.Debug == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
	}
}

// statusz is the debug server's status payload: the scheduler snapshot
// plus the registered schedules.
func (a *App) statusz() any {
	return struct {
		Scheduler sched.Snapshot         `json:"scheduler"`
		Schedules []trigger.ScheduleInfo `json:"schedules"`
	}{a.scheduler.Snapshot(), a.trigger.Snapshot()}
}
