package app

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/cronspec"
	"cronosphere/internal/executor"
	"cronosphere/internal/job"
	"cronosphere/internal/scheduler"
	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

// AnyOwner disables owner checks (operator access from the CLI).
const AnyOwner int64 = 0

// ScheduleJob registers j with the scheduler and, when runNow is set, starts
// one manual execution right away. Paused jobs are not scheduled.
func (a *App) ScheduleJob(ctx context.Context, j job.Job, runNow bool) (*executor.Execution, error) {
	if j.Paused() {
		a.log.Debug("job is paused; not scheduling", logx.Int64("job_id", j.ID))
		return nil, nil
	}
	if err := a.sched.Schedule(j); err != nil {
		return nil, err
	}
	if !runNow {
		return nil, nil
	}
	return a.exec.RunNow(ctx, j, executor.TriggerManual)
}

// CancelJob stops future firings of jobID and signals its running
// processes. Both parts are no-ops when there is nothing to stop.
func (a *App) CancelJob(jobID int64) (unscheduled bool, terminated int) {
	return a.sched.Cancel(jobID)
}

// InitScheduler schedules every active job in storage.
func (a *App) InitScheduler(ctx context.Context) (scheduler.Summary, error) {
	return a.sched.Initialize(ctx)
}

// CleanupOldRuns deletes finished runs older than the retention window.
func (a *App) CleanupOldRuns(ctx context.Context) (int64, error) {
	return a.sweeper.Sweep(ctx)
}

// JobRequest is a job submission. Exactly one of Command and ScriptID is
// set.
type JobRequest struct {
	Owner       int64
	Name        string
	Command     string
	ScriptID    int64
	Schedule    string
	LongRunning bool
	Paused      bool
	RunNow      bool
}

// SubmitJob validates, stores and schedules a new job. Forbidden commands
// and bad expressions are rejected before anything is stored.
func (a *App) SubmitJob(ctx context.Context, req JobRequest) (job.Job, *executor.Execution, error) {
	payload, err := job.NewPayload(strings.TrimSpace(req.Command), req.ScriptID)
	if err != nil {
		return job.Job{}, nil, err
	}
	j := job.Job{
		Owner:       req.Owner,
		Name:        strings.TrimSpace(req.Name),
		Payload:     payload,
		Schedule:    strings.TrimSpace(req.Schedule),
		Status:      job.StatusActive,
		LongRunning: req.LongRunning,
	}
	if req.Paused {
		j.Status = job.StatusPaused
	}
	if err := j.Validate(cronspec.IsValidExpression); err != nil {
		return job.Job{}, nil, err
	}

	switch p := payload.(type) {
	case job.CommandPayload:
		if err := a.deny.Check(p.Command, job.KindShell); err != nil {
			a.log.Warn("job rejected at submission", logx.Int64("owner", req.Owner), logx.Err(err))
			return job.Job{}, nil, err
		}
	case job.ScriptPayload:
		sc, err := a.store.GetScript(ctx, p.ScriptID)
		if err != nil {
			return job.Job{}, nil, err
		}
		if !owns(req.Owner, sc.Owner) {
			return job.Job{}, nil, errors.Mark(errors.Newf("script %d not found", p.ScriptID), job.ErrScriptNotFound)
		}
	}

	j, err = a.store.CreateJob(ctx, j)
	if err != nil {
		return job.Job{}, nil, err
	}
	a.log.Info("job created", logx.Int64("job_id", j.ID), logx.Int64("owner", j.Owner), logx.String("spec", j.Schedule))

	exec, err := a.ScheduleJob(ctx, j, req.RunNow)
	return j, exec, err
}

// SetJobStatus pauses or resumes a job. Pausing removes the schedule only:
// executions already running finish normally. Resuming schedules the job if
// it has no entry yet.
func (a *App) SetJobStatus(ctx context.Context, owner, jobID int64, status job.Status) (job.Job, error) {
	if !status.Valid() {
		return job.Job{}, job.Validationf("invalid status %q", status)
	}
	j, err := a.ownedJob(ctx, owner, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if err := a.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		return job.Job{}, err
	}
	j.Status = status

	if status == job.StatusPaused {
		a.sched.Unschedule(jobID)
		a.log.Info("job paused", logx.Int64("job_id", jobID), logx.Int("running", a.reg.RunningCount(jobID)))
		return j, nil
	}
	if !a.sched.Scheduled(jobID) {
		if _, err := a.ScheduleJob(ctx, j, false); err != nil {
			return j, err
		}
	}
	a.log.Info("job resumed", logx.Int64("job_id", jobID))
	return j, nil
}

// DeleteJob cancels the job (schedule and processes) and then removes it
// and its runs from storage.
func (a *App) DeleteJob(ctx context.Context, owner, jobID int64) error {
	if _, err := a.ownedJob(ctx, owner, jobID); err != nil {
		return err
	}
	_, n := a.CancelJob(jobID)
	if err := a.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	a.log.Info("job deleted", logx.Int64("job_id", jobID), logx.Int("terminated", n))
	return nil
}

// RunJob starts one manual execution of the job.
func (a *App) RunJob(ctx context.Context, owner, jobID int64) (*executor.Execution, error) {
	j, err := a.ownedJob(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	return a.exec.RunNow(ctx, j, executor.TriggerManual)
}

func (a *App) GetJob(ctx context.Context, owner, jobID int64) (job.Job, error) {
	return a.ownedJob(ctx, owner, jobID)
}

func (a *App) ListJobs(ctx context.Context, f storage.JobFilter) ([]job.Job, error) {
	return a.store.ListJobs(ctx, f)
}

// ListRuns returns the job's runs, newest first.
func (a *App) ListRuns(ctx context.Context, owner, jobID int64, limit int) ([]job.Run, error) {
	if _, err := a.ownedJob(ctx, owner, jobID); err != nil {
		return nil, err
	}
	return a.store.ListRuns(ctx, jobID, limit)
}

func (a *App) GetRun(ctx context.Context, owner, runID int64) (job.Run, error) {
	r, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return job.Run{}, err
	}
	if _, err := a.ownedJob(ctx, owner, r.JobID); err != nil {
		return job.Run{}, errors.Mark(errors.Newf("run %d not found", runID), job.ErrNotFound)
	}
	return r, nil
}

// SubmitScript stores a script after the content check.
func (a *App) SubmitScript(ctx context.Context, owner int64, name, content string, kind job.ScriptKind) (job.Script, error) {
	if strings.TrimSpace(content) == "" {
		return job.Script{}, job.Validationf("script content required")
	}
	if kind == "" {
		kind = job.KindShell
	}
	if err := a.deny.Check(content, kind); err != nil {
		a.log.Warn("script rejected at submission", logx.Int64("owner", owner), logx.Err(err))
		return job.Script{}, err
	}
	sc, err := a.store.CreateScript(ctx, job.Script{Owner: owner, Name: strings.TrimSpace(name), Content: content, Kind: kind})
	if err != nil {
		return job.Script{}, err
	}
	a.log.Info("script created", logx.Int64("script_id", sc.ID), logx.String("kind", string(kind)))
	return sc, nil
}

func (a *App) ListScripts(ctx context.Context, owner int64) ([]job.Script, error) {
	return a.store.ListScripts(ctx, owner)
}

// ownedJob hides other owners' jobs behind ErrNotFound.
func (a *App) ownedJob(ctx context.Context, owner, jobID int64) (job.Job, error) {
	j, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if !owns(owner, j.Owner) {
		return job.Job{}, errors.Mark(errors.Newf("job %d not found", jobID), job.ErrNotFound)
	}
	return j, nil
}

func owns(caller, owner int64) bool { return caller == AnyOwner || caller == owner }
