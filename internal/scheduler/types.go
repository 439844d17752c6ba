package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"cronosphere/internal/executor"
	"cronosphere/internal/job"
	"cronosphere/internal/storage"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Runner is the execution side of a firing.
type Runner interface {
	RunNow(ctx context.Context, j job.Job, trig executor.Trigger) (*executor.Execution, error)
	Cancel(jobID int64) int
}

// Jobs is the storage the scheduler reads at startup.
type Jobs interface {
	ListJobs(ctx context.Context, f storage.JobFilter) ([]job.Job, error)
}

// Summary is what Initialize found.
type Summary struct {
	Loaded int
	Paused int
	Failed int
}

type systemDef struct {
	name    string
	spec    string
	fn      func(ctx context.Context)
	entryID cron.EntryID
}

// EntryInfo describes one live cron entry.
type EntryInfo struct {
	JobID int64  // job entries
	Name  string // system entries
	Spec  string
	Next  time.Time
	Prev  time.Time
}

type Snapshot struct {
	Timezone string
	Running  bool
	Jobs     []EntryInfo
	System   []EntryInfo
}
