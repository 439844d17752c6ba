// Package recorder persists the lifecycle of a run: one row created in the
// running state and finalized exactly once.
package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"cronosphere/internal/job"
	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

// Recorder is safe for concurrent use.
type Recorder struct {
	runs     storage.RunStore
	log      logx.Logger
	throttle *logx.Throttle
	now      func() time.Time

	mu   sync.Mutex
	open map[int64]int64 // run id -> job id
}

func New(runs storage.RunStore, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "recorder"))
	return &Recorder{
		runs:     runs,
		log:      log,
		throttle: logx.NewThrottle(log, time.Second, 5),
		now:      time.Now,
		open:     map[int64]int64{},
	}
}

// Begin inserts a running row for jobID and returns its id.
func (r *Recorder) Begin(ctx context.Context, jobID int64) (int64, error) {
	id, err := r.runs.InsertRun(ctx, jobID, r.now())
	if err != nil {
		r.throttle.Error("begin", "run insert failed", logx.Int64("job_id", jobID), logx.Err(err))
		return 0, err
	}
	r.mu.Lock()
	r.open[id] = jobID
	r.mu.Unlock()
	r.log.Debug("run started", logx.Int64("job_id", jobID), logx.Int64("run_id", id))
	return id, nil
}

// Finalize records the terminal status and output. Empty output is stored
// as the placeholder. Persistence failures are logged and returned; they
// never panic.
func (r *Recorder) Finalize(ctx context.Context, runID int64, status job.RunStatus, output string) error {
	if status != job.RunSuccess && status != job.RunError {
		return job.Validationf("invalid terminal status %q", status)
	}
	out := strings.TrimSpace(output)
	if out == "" {
		out = job.PlaceholderOutput
	}

	r.mu.Lock()
	jobID, tracked := r.open[runID]
	delete(r.open, runID)
	r.mu.Unlock()

	changed, err := r.runs.UpdateRun(ctx, runID, storage.RunUpdate{
		Status:     status,
		Output:     out,
		FinishedAt: r.now(),
	})
	if err != nil {
		r.throttle.Error("finalize", "run finalize failed", logx.Int64("run_id", runID), logx.Err(err))
		return err
	}
	if !changed {
		r.log.Warn("run finalize anomaly: no running row",
			logx.Int64("run_id", runID),
			logx.Bool("tracked", tracked),
			logx.String("status", string(status)),
		)
		return nil
	}
	if !tracked {
		// Finalized a run begun by another recorder (e.g. before a restart).
		r.log.Debug("finalized untracked run", logx.Int64("run_id", runID))
	}
	r.log.Debug("run finalized",
		logx.Int64("run_id", runID),
		logx.Int64("job_id", jobID),
		logx.String("status", string(status)),
	)
	return nil
}

// Fail finalizes the run as an error with msg as its output.
func (r *Recorder) Fail(ctx context.Context, runID int64, msg string) error {
	return r.Finalize(ctx, runID, job.RunError, msg)
}

// Open returns the number of runs begun and not yet finalized.
func (r *Recorder) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
