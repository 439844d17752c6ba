// Package app wires storage, the scheduler and the executor together and
// exposes the operations a routing layer (or the CLI) calls.
package app

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/config"
	"cronosphere/internal/eventbus"
	"cronosphere/internal/observability/debugsrv"
	"cronosphere/internal/runtime/supervisor"
	"cronosphere/internal/scheduler"
	logx "cronosphere/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	mu  sync.RWMutex
	cfg *config.Config

	log    logx.Logger
	logs   *logx.Service
	logOut io.Writer
	bus    eventbus.Bus

	*components

	started bool
}

// New loads the config at cfgPath (empty: defaults plus environment), opens
// storage and wires every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetLookup(o.lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, o.logOut))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(log))

	c, err := build(cfg, o, log, bus, sup)
	if err != nil {
		sup.Cancel()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:       cfgm,
		cfg:        cfg,
		sup:        sup,
		log:        log,
		logs:       logSvc,
		logOut:     o.logOut,
		bus:        bus,
		components: c,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus { return a.bus }

// Config returns the config currently applied.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Done is closed when the app is stopping.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error { return a.sup.Err() }

// Ping checks that storage is reachable.
func (a *App) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		return errors.Wrap(err, "storage unreachable")
	}
	return nil
}

// Start brings the engine up: storage check (fatal), stale workspace sweep,
// job schedules, the retention schedule and config hot reload. Cancelling
// ctx stops the app's background work.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	if err := a.Ping(ctx); err != nil {
		return err
	}
	context.AfterFunc(ctx, a.sup.Cancel)

	if _, err := a.workspaces.SweepStale(a.staleAfter); err != nil {
		a.log.Warn("stale workspace sweep failed", logx.Err(err))
	}

	if a.cfg.Scheduler.IsEnabled() {
		if _, err := a.InitScheduler(ctx); err != nil {
			return err
		}
		if err := a.sched.AddSystem("retention", a.sweepSpec, func(c context.Context) {
			_, _ = a.CleanupOldRuns(c)
		}); err != nil {
			return err
		}
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; jobs only run on demand")
	}

	a.startEventLog()
	a.startConfigReload()
	a.startDebug()

	a.started = true
	a.log.Info("app started",
		logx.Bool("scheduler", a.cfg.Scheduler.IsEnabled()),
		logx.String("tz", a.sched.Location().String()),
		logx.Int("denylist", a.deny.Len()),
	)
	return nil
}

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
				re, _ := e.Data.(eventbus.RunEvent)
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.Int64("job_id", re.JobID),
					logx.Int64("run_id", re.RunID),
					logx.String("status", re.Status),
				)
			}
		}
	})
}

func (a *App) startConfigReload() {
	if strings.TrimSpace(a.cfgm.Path()) == "" {
		return
	}
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

func (a *App) startDebug() {
	dc := mapDebugConfig(a.Config())
	if dc.Addr == "" {
		return
	}
	srv := debugsrv.New(dc, debugsrv.Sources{
		Ping:      a.store.Ping,
		Schedules: func() any { return a.Snapshot() },
		Runtime:   func() any { return a.Runtime() },
	}, a.log)
	// a port that stays taken is not worth retrying forever
	a.sup.GoRestart("debug.http", srv.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5))
}

// RuntimeStats is the live process view served on /debug/runtime.
type RuntimeStats struct {
	Scheduled     int                 `json:"scheduled"`
	Running       int                 `json:"running"`
	OpenRuns      int                 `json:"open_runs"`
	Goroutines    supervisor.Counters `json:"goroutines"`
	Panics        []string            `json:"panics,omitempty"`
	EventsDropped uint64              `json:"events_dropped"`
}

func (a *App) Runtime() RuntimeStats {
	scheduled, running := a.reg.Totals()
	return RuntimeStats{
		Scheduled:     scheduled,
		Running:       running,
		OpenRuns:      a.rec.Open(),
		Goroutines:    a.sup.Counters(),
		Panics:        a.sup.PanicsByName(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
}

// applyConfig applies what can change live: logging, denylist and executor
// settings. Everything else is logged as needing a restart.
func (a *App) applyConfig(newCfg *config.Config) {
	prev := a.Config()
	sections, attrs := config.SummarizeChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg, a.logOut))
	if err := a.deny.Apply(denylistPatterns(newCfg)); err != nil {
		a.log.Warn("invalid denylist; keeping previous", logx.Err(err))
	}
	if exCfg, err := mapExecutorConfig(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(exCfg)
	}

	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop stops triggering, terminates running processes, waits for their runs
// to be finalized and closes storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	// Cancelling the supervisor terminates child processes; their waiters
	// finalize the runs before Wait returns.
	a.sup.Cancel()
	grace := a.exec.KillGrace() + 5*time.Second
	step("supervisor", grace, func(c context.Context) error { return a.sup.Wait(c) })

	if n := a.rec.Open(); n > 0 {
		a.log.Warn("runs left unfinalized at shutdown", logx.Int("count", n))
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Location is the zone cron expressions are evaluated in.
func (a *App) Location() *time.Location { return a.sched.Location() }

// Snapshot reports the live schedule state.
func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }
