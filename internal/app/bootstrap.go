package app

import (
	"io"
	"time"

	"cronosphere/internal/config"
	"cronosphere/internal/denylist"
	"cronosphere/internal/eventbus"
	"cronosphere/internal/executor"
	"cronosphere/internal/recorder"
	"cronosphere/internal/registry"
	"cronosphere/internal/retention"
	"cronosphere/internal/runtime/supervisor"
	"cronosphere/internal/scheduler"
	"cronosphere/internal/storage"
	"cronosphere/internal/workspace"
	logx "cronosphere/pkg/logx"
)

// Option customizes New.
type Option func(*options)

type options struct {
	lookup func(string) (string, bool)
	store  storage.Store
	logOut io.Writer
}

// WithEnvLookup replaces os.LookupEnv for config overrides.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// WithLogOutput sends console logs to w instead of stdout. Reloads keep it.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithStore uses st instead of opening storage from config. The app still
// closes it on Stop.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

// components is everything New wires from one config snapshot.
type components struct {
	store      storage.Store
	deny       *denylist.List
	reg        *registry.Registry
	workspaces *workspace.Manager
	staleAfter time.Duration
	rec        *recorder.Recorder
	exec       *executor.Service
	sched      *scheduler.Service
	sweeper    *retention.Sweeper
	sweepSpec  string
}

func build(cfg *config.Config, o options, log logx.Logger, bus eventbus.Bus, sup *supervisor.Supervisor) (*components, error) {
	c := &components{store: o.store}
	if c.store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		c.store = st
		log.Info("storage opened", logx.String("driver", sc.Driver))
	}

	fail := func(err error) (*components, error) {
		_ = c.store.Close()
		return nil, err
	}

	deny, err := denylist.New(denylistPatterns(cfg))
	if err != nil {
		return fail(err)
	}
	c.deny = deny

	wsCfg, stale, err := mapWorkspaceConfig(cfg)
	if err != nil {
		return fail(err)
	}
	c.workspaces = workspace.New(wsCfg, log.With(logx.String("comp", "workspace")))
	c.staleAfter = stale

	exCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rCfg, spec, err := mapRetentionConfig(cfg)
	if err != nil {
		return fail(err)
	}

	c.reg = registry.New()
	c.rec = recorder.New(c.store, log)
	c.exec = executor.New(exCfg, executor.Deps{
		Store:      c.store,
		Recorder:   c.rec,
		Workspaces: c.workspaces,
		Registry:   c.reg,
		Denylist:   c.deny,
		Bus:        bus,
		Supervisor: sup,
		Log:        log,
	})
	c.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, scheduler.Deps{
		Registry: c.reg,
		Runner:   c.exec,
		Jobs:     c.store,
		Log:      log,
	})
	c.sweeper = retention.New(rCfg, c.store, log)
	c.sweepSpec = spec
	return c, nil
}
