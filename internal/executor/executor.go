// Package executor runs one execution attempt of a job end to end:
// fresh-state check, workspace, run record, content check, spawn, wait,
// finalize and cleanup. Scheduled firings and manual runs share it.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"cronosphere/internal/denylist"
	"cronosphere/internal/eventbus"
	"cronosphere/internal/job"
	"cronosphere/internal/recorder"
	"cronosphere/internal/registry"
	"cronosphere/internal/runner"
	"cronosphere/internal/runtime/supervisor"
	"cronosphere/internal/storage"
	"cronosphere/internal/workspace"
	logx "cronosphere/pkg/logx"
)

// ErrOverlapSkip is returned when the overlap policy drops a firing.
var ErrOverlapSkip = errors.New("execution skipped: job already running")

// ErrCancelled is recorded on a run whose job was cancelled before the
// process could join the execution set.
var ErrCancelled = errors.New("job cancelled")

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Store is the storage surface the executor reads.
type Store interface {
	storage.JobStore
	storage.ScriptStore
}

// Deps wires the executor. Bus and Supervisor are optional.
type Deps struct {
	Store      Store
	Recorder   *recorder.Recorder
	Workspaces *workspace.Manager
	Registry   *registry.Registry
	Denylist   *denylist.List
	Bus        eventbus.Bus
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

type Service struct {
	d   Deps
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	// finalize must outlive the caller's context.
	finalizeTimeout time.Duration
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	s := &Service{
		d:               d,
		log:             log.With(logx.String("comp", "executor")),
		finalizeTimeout: 30 * time.Second,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps timeouts, limits and interpreters for future executions.
// Running processes keep the settings they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.SpawnRate > 0 {
		lim = rate.NewLimiter(cfg.SpawnRate, cfg.SpawnBurst)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.limiter
}

// KillGrace is the current SIGTERM to SIGKILL delay.
func (s *Service) KillGrace() time.Duration {
	cfg, _ := s.config()
	return cfg.KillGrace
}

// Outcome is the terminal result of an execution.
type Outcome struct {
	Status   job.RunStatus
	Output   string
	ExitCode int
	Signal   string
	TimedOut bool
	Duration time.Duration
}

// Execution is a handle on one attempt. It resolves exactly once.
type Execution struct {
	RunID int64
	JobID int64

	done chan struct{}
	out  Outcome
}

func newExecution(jobID, runID int64) *Execution {
	return &Execution{JobID: jobID, RunID: runID, done: make(chan struct{})}
}

func (e *Execution) resolve(o Outcome) {
	e.out = o
	close(e.done)
}

// Done is closed once the run is finalized and the workspace released.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution resolves or ctx is done.
func (e *Execution) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.done:
		return e.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// RunNow performs one execution attempt of j.
//
// It returns once the process is spawned (or the attempt was rejected);
// waiting happens in a supervised goroutine. Results:
//   - (nil, ErrPausedSkip): the job is paused or gone; nothing recorded.
//   - (nil, ErrOverlapSkip): dropped by the overlap policy.
//   - (nil, err): failed before a run record existed (workspace, storage).
//   - (exec, err): the run was recorded as error without spawning; exec is
//     already resolved. A cancel that lands mid-attempt yields ErrCancelled.
//   - (exec, nil): the process is running.
func (s *Service) RunNow(ctx context.Context, j job.Job, trig Trigger) (*Execution, error) {
	cfg, limiter := s.config()
	log := s.log.With(logx.Int64("job_id", j.ID), logx.String("trigger", string(trig)))

	// Read before the re-read: a cancel after this point must reach whatever
	// this attempt spawns.
	gen := s.d.Registry.Generation(j.ID)
	fresh, err := s.d.Store.GetJob(ctx, j.ID)
	switch {
	case errors.Is(err, job.ErrNotFound):
		log.Info("job no longer exists; skipping execution")
		s.publishSkip(j, trig, "deleted")
		return nil, errors.Mark(errors.Wrapf(err, "job %d", j.ID), job.ErrPausedSkip)
	case err != nil:
		log.Error("job re-read failed", logx.Err(err))
		return nil, err
	case fresh.Paused():
		log.Info("job is paused; skipping execution", logx.String("name", fresh.Name))
		s.publishSkip(fresh, trig, "paused")
		return nil, job.ErrPausedSkip
	}
	j = fresh
	log = log.With(logx.Int64("owner", j.Owner))

	if cfg.Overlap == OverlapSkipIfRunning && s.d.Registry.RunningCount(j.ID) > 0 {
		log.Info("job still running; skipping execution")
		s.publishSkip(j, trig, "overlap")
		return nil, ErrOverlapSkip
	}

	ws, err := s.d.Workspaces.Acquire(j.Owner)
	if err != nil {
		log.Error("workspace acquire failed", logx.Err(err))
		return nil, err
	}

	runID, err := s.d.Recorder.Begin(ctx, j.ID)
	if err != nil {
		s.d.Workspaces.Release(ws)
		return nil, err
	}
	exec := newExecution(j.ID, runID)
	log = log.With(logx.Int64("run_id", runID))
	log.Info("run starting", logx.String("name", j.Name))

	spec, err := s.prepare(ctx, cfg, j, ws)
	if err == nil && limiter != nil {
		if werr := limiter.Wait(ctx); werr != nil {
			err = errors.Mark(errors.Wrap(werr, "spawn throttled"), job.ErrSpawn)
		}
	}
	if err == nil && s.d.Registry.Cancelled(j.ID, gen) {
		err = ErrCancelled
	}
	var proc *runner.Process
	if err == nil {
		proc, err = runner.Start(s.procContext(), spec)
	}
	if err != nil {
		s.reject(log, exec, j, trig, ws, err)
		return exec, err
	}

	if !s.d.Registry.AddProcess(j.ID, gen, proc) {
		// Cancelled between the check above and the spawn. The waiter
		// still finalizes the run and releases the workspace.
		log.Info("job cancelled during spawn; terminating", logx.Int("pid", proc.PID()))
		proc.Terminate()
	} else {
		log.Debug("process spawned",
			logx.Int("pid", proc.PID()),
			logx.String("cwd", ws.Path),
			logx.Duration("timeout", spec.Timeout),
		)
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: eventbus.RunEvent{
			JobID: j.ID, RunID: runID, Owner: j.Owner, Trigger: string(trig), Status: string(job.RunRunning),
		}})
	}

	wait := func(context.Context) { s.await(log, exec, j, trig, ws, proc, spec.Timeout) }
	if s.d.Supervisor != nil {
		s.d.Supervisor.Go0("run.wait."+strconv.FormatInt(runID, 10), wait)
	} else {
		go wait(context.Background())
	}
	return exec, nil
}

// procContext bounds child processes by the supervisor's lifetime so a
// shutdown terminates them.
func (s *Service) procContext() context.Context {
	if s.d.Supervisor != nil {
		return s.d.Supervisor.Context()
	}
	return context.Background()
}

// prepare resolves the payload into a process spec. Errors are
// recorded on the run by the caller.
func (s *Service) prepare(ctx context.Context, cfg Config, j job.Job, ws *workspace.Workspace) (runner.Spec, error) {
	env := map[string]string{
		"USER_TEMP_DIR": ws.Path,
		"JOB_ID":        strconv.FormatInt(j.ID, 10),
		"USER_ID":       strconv.FormatInt(j.Owner, 10),
		"JOB_NAME":      j.Name,
	}
	spec := runner.Spec{
		Dir:       ws.Path,
		Env:       env,
		KillGrace: cfg.KillGrace,
		MaxOutput: cfg.MaxOutput,
	}

	switch p := j.Payload.(type) {
	case job.ScriptPayload:
		sc, err := s.d.Store.GetScript(ctx, p.ScriptID)
		if err != nil {
			if errors.Is(err, job.ErrScriptNotFound) {
				return spec, errors.Mark(errors.New("script not found"), job.ErrScriptNotFound)
			}
			return spec, err
		}
		if err := s.d.Denylist.Check(sc.Content, sc.Kind); err != nil {
			return spec, err
		}
		path, err := writeScript(ws.Path, sc)
		if err != nil {
			return spec, err
		}
		argv := cfg.ScriptShell
		if sc.Kind == job.KindNode {
			argv = cfg.Node
		}
		spec.Path = argv[0]
		spec.Args = append(append([]string(nil), argv[1:]...), path)
		spec.Timeout = cfg.timeoutFor(j, sc.Kind, sc.Content)
		env["SCRIPT_ID"] = strconv.FormatInt(sc.ID, 10)
		return spec, nil

	case job.CommandPayload:
		if err := s.d.Denylist.Check(p.Command, job.KindShell); err != nil {
			return spec, err
		}
		spec.Path = cfg.CommandShell[0]
		spec.Args = append(append([]string(nil), cfg.CommandShell[1:]...), p.Command)
		spec.Timeout = cfg.timeoutFor(j, job.KindShell, "")
		return spec, nil

	default:
		return spec, job.Validationf("job %d has no payload", j.ID)
	}
}

func writeScript(dir string, sc job.Script) (string, error) {
	name := "script.sh"
	if sc.Kind == job.KindNode {
		name = "script.js"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(sc.Content), 0o700); err != nil {
		return "", errors.Mark(errors.Wrap(err, "write script"), job.ErrWorkspace)
	}
	return path, nil
}

// reject finalizes a run that never spawned.
func (s *Service) reject(log logx.Logger, exec *Execution, j job.Job, trig Trigger, ws *workspace.Workspace, cause error) {
	msg := rejectMessage(cause)
	log.Warn("run rejected before spawn", logx.Err(cause))

	ctx, cancel := context.WithTimeout(context.Background(), s.finalizeTimeout)
	_ = s.d.Recorder.Fail(ctx, exec.RunID, msg)
	cancel()
	s.d.Workspaces.Release(ws)

	out := Outcome{Status: job.RunError, Output: msg, ExitCode: -1}
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.RunRejected, Data: eventbus.RunEvent{
		JobID: j.ID, RunID: exec.RunID, Owner: j.Owner, Trigger: string(trig),
		Status: string(job.RunError), Output: msg, Reason: msg,
	}})
	exec.resolve(out)
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, job.ErrScriptNotFound):
		return "script not found"
	case errors.Is(err, job.ErrForbidden):
		return "Error: " + job.ErrForbidden.Error()
	case errors.Is(err, ErrCancelled):
		return "Error: " + ErrCancelled.Error()
	default:
		return "Error: " + err.Error()
	}
}

// await waits for the process, then finalizes the run and releases the workspace.
func (s *Service) await(log logx.Logger, exec *Execution, j job.Job, trig Trigger, ws *workspace.Workspace, proc *runner.Process, timeout time.Duration) {
	res := proc.Wait()
	s.d.Registry.RemoveProcess(j.ID, proc)

	status := job.RunError
	if res.Success() {
		status = job.RunSuccess
	}
	output := res.Output
	if res.Err != nil && output == "" {
		output = "Error: " + res.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.finalizeTimeout)
	_ = s.d.Recorder.Finalize(ctx, exec.RunID, status, output)
	cancel()
	s.d.Workspaces.Release(ws)

	fields := []logx.Field{
		logx.String("status", string(status)),
		logx.Duration("duration", res.Duration),
		logx.Int("exit_code", res.ExitCode),
	}
	switch {
	case res.TimedOut:
		log.Warn("run timed out", append(fields, logx.Duration("timeout", timeout))...)
	case res.Terminated:
		log.Info("run terminated", append(fields, logx.String("signal", res.Signal))...)
	default:
		log.Info("run finished", fields...)
	}

	if output == "" {
		output = job.PlaceholderOutput
	}
	out := Outcome{
		Status:   status,
		Output:   output,
		ExitCode: res.ExitCode,
		Signal:   res.Signal,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: eventbus.RunEvent{
		JobID: j.ID, RunID: exec.RunID, Owner: j.Owner, Trigger: string(trig),
		Status: string(status), Output: output, Duration: res.Duration, TimedOut: res.TimedOut,
	}})
	exec.resolve(out)
}

func (s *Service) publishSkip(j job.Job, trig Trigger, reason string) {
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Data: eventbus.RunEvent{
		JobID: j.ID, Owner: j.Owner, Trigger: string(trig), Reason: reason,
	}})
}

// Cancel signals every live process of jobID and clears its execution set.
// It does not wait for the processes to exit. It returns how many were
// signalled.
func (s *Service) Cancel(jobID int64) int {
	procs := s.d.Registry.TakeProcesses(jobID)
	for _, p := range procs {
		p.Terminate()
	}
	if len(procs) > 0 {
		s.log.Info("terminated running processes", logx.Int64("job_id", jobID), logx.Int("count", len(procs)))
	}
	return len(procs)
}
