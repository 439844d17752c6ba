package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"cronosphere/internal/cronspec"
	"cronosphere/internal/executor"
	"cronosphere/internal/job"
	"cronosphere/internal/registry"
	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

// Deps wires the scheduler.
type Deps struct {
	Registry *registry.Registry
	Runner   Runner
	Jobs     Jobs
	Log      logx.Logger
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	reg    *registry.Registry
	runner Runner
	jobs   Jobs

	c       *cron.Cron
	running bool
	base    context.Context

	specs   map[int64]string
	systems []systemDef
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{
		log:    log,
		cfg:    cfg,
		reg:    d.Registry,
		runner: d.Runner,
		jobs:   d.Jobs,
		base:   context.Background(),
		specs:  map[int64]string{},
	}
	s.loc = s.loadLocation()
	s.c = cron.New(
		cron.WithParser(cronspec.Parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{log})),
	)
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Start begins triggering. Firings started after ctx is done still run but
// their executions are bound to the executor's own lifetime.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if ctx != nil {
		s.base = ctx
	}
	s.c.Start()
	s.running = true
	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", len(s.specs)),
		logx.Int("system", len(s.systems)),
	)
}

// Stop stops triggering. Entries are kept, so Start resumes them. Running
// processes are not touched.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.c.Stop().Done()
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop: in-flight firings still running", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Schedule registers j's cron expression. A second call for an id that is
// already scheduled is a logged no-op, so callers may retry freely.
//
// The firing does not capture j: it re-reads the job by id every time.
func (s *Service) Schedule(j job.Job) error {
	sched, err := cronspec.Parse(j.Schedule)
	if err != nil {
		return errors.WithSecondaryError(job.InvalidExpression(j.Schedule), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reg.Schedule(j.ID); ok {
		s.log.Debug("job already scheduled; ignoring", logx.Int64("job_id", j.ID))
		return nil
	}
	id := s.c.Schedule(sched, s.firing(j.ID))
	s.reg.SetSchedule(j.ID, id)
	s.specs[j.ID] = strings.TrimSpace(j.Schedule)

	fields := []logx.Field{
		logx.Int64("job_id", j.ID),
		logx.String("name", j.Name),
		logx.String("spec", j.Schedule),
	}
	if s.log.Enabled(logx.LevelDebug) {
		fields = append(fields, logx.String("next", cronspec.Preview(j.Schedule, s.loc, 3)))
	}
	s.log.Info("job scheduled", fields...)
	return nil
}

// Cancel removes the job's cron entry, then signals every process running
// on its behalf without waiting for them. Both halves are no-ops when there
// is nothing to remove. It reports whether an entry was removed and how many
// processes were signalled.
func (s *Service) Cancel(jobID int64) (bool, int) {
	removed := s.Unschedule(jobID)
	if !removed {
		s.log.Debug("cancel: job not scheduled", logx.Int64("job_id", jobID))
	}
	n := 0
	if s.runner != nil {
		n = s.runner.Cancel(jobID)
	}
	return removed, n
}

// Unschedule removes the job's cron entry and leaves its running processes
// alone. It reports whether an entry existed.
func (s *Service) Unschedule(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.reg.RemoveSchedule(jobID)
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.specs, jobID)
	s.log.Info("job unscheduled", logx.Int64("job_id", jobID))
	return true
}

// Scheduled reports whether jobID has a live entry.
func (s *Service) Scheduled(jobID int64) bool {
	_, ok := s.reg.Schedule(jobID)
	return ok
}

// Initialize schedules every active job in storage. Jobs whose expression
// no longer parses are counted and logged, not fatal. An empty store is
// fine.
func (s *Service) Initialize(ctx context.Context) (Summary, error) {
	var sum Summary
	jobs, err := s.jobs.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return sum, errors.Wrap(err, "load jobs")
	}
	for _, j := range jobs {
		if j.Paused() {
			sum.Paused++
			continue
		}
		if err := s.Schedule(j); err != nil {
			sum.Failed++
			s.log.Warn("job not scheduled", logx.Int64("job_id", j.ID), logx.String("spec", j.Schedule), logx.Err(err))
			continue
		}
		sum.Loaded++
	}
	s.log.Info("jobs loaded",
		logx.Int("scheduled", sum.Loaded),
		logx.Int("paused", sum.Paused),
		logx.Int("failed", sum.Failed),
	)
	return sum, nil
}

// AddSystem registers an internal schedule (retention and the like). Names
// are unique; adding an existing name replaces it.
func (s *Service) AddSystem(name, spec string, fn func(ctx context.Context)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("system schedule name required")
	}
	if fn == nil {
		return errors.Newf("system schedule %q: nil func", name)
	}
	sched, err := cronspec.Parse(spec)
	if err != nil {
		return errors.Wrapf(err, "system schedule %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.systems {
		if s.systems[i].name == name {
			s.c.Remove(s.systems[i].entryID)
			s.systems = append(s.systems[:i], s.systems[i+1:]...)
			break
		}
	}
	def := systemDef{name: name, spec: spec, fn: fn}
	def.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.base
		s.mu.Unlock()
		start := time.Now()
		fn(ctx)
		s.log.Debug("system schedule ran", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}))
	s.systems = append(s.systems, def)
	s.log.Info("system schedule added", logx.String("name", name), logx.String("spec", spec))
	return nil
}

func (s *Service) firing(jobID int64) cron.Job {
	return cron.FuncJob(func() { s.fire(jobID) })
}

// fire runs on robfig's goroutine. RunNow returns once the process is
// spawned, so the trigger path never waits on a child.
func (s *Service) fire(jobID int64) {
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	log := s.log.With(logx.Int64("job_id", jobID))
	_, err := s.runner.RunNow(ctx, job.Job{ID: jobID}, executor.TriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrNotFound):
		// deleted behind our back; drop the stale entry
		if s.Unschedule(jobID) {
			log.Info("job no longer exists; entry removed")
		}
	case errors.Is(err, job.ErrPausedSkip), errors.Is(err, executor.ErrOverlapSkip), errors.Is(err, executor.ErrCancelled):
		log.Debug("firing skipped", logx.String("reason", err.Error()))
	default:
		log.Warn("firing failed", logx.Err(err))
	}
}

// Snapshot lists live entries with their next and previous fire times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{Timezone: s.loc.String(), Running: s.running}
	for jobID, spec := range s.specs {
		it := EntryInfo{JobID: jobID, Spec: spec}
		if id, ok := s.reg.Schedule(jobID); ok {
			e := s.c.Entry(id)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Jobs = append(out.Jobs, it)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].JobID < out.Jobs[j].JobID })
	for _, d := range s.systems {
		e := s.c.Entry(d.entryID)
		out.System = append(out.System, EntryInfo{Name: d.name, Spec: d.spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// cronLogger routes robfig's internal logging (and its panic recovery) into
// logx. Its info lines fire on every wake-up, so they go to trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
