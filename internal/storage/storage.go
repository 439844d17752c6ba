// Package storage persists jobs, scripts and run records.
//
// Three drivers are available:
//   - "sqlite": a local database file (modernc, pure Go)
//   - "postgres": a PostgreSQL server through pgx
//   - "memory": process-local maps, for tests and dry runs
//
// Storage is the source of truth for job state; the scheduler's in-memory
// registry is reconciled against it on every firing.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/job"
	logx "cronosphere/pkg/logx"
)

// Config configures storage.
type Config struct {
	Driver string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Owner  int64
	Status job.Status
}

// RunUpdate is the terminal transition of a run.
type RunUpdate struct {
	Status     job.RunStatus
	Output     string
	FinishedAt time.Time
}

type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id int64) (job.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status job.Status) error
	DeleteJob(ctx context.Context, id int64) error
}

type ScriptStore interface {
	CreateScript(ctx context.Context, s job.Script) (job.Script, error)
	GetScript(ctx context.Context, id int64) (job.Script, error)
	ListScripts(ctx context.Context, owner int64) ([]job.Script, error)
	DeleteScript(ctx context.Context, id int64) error
}

type RunStore interface {
	InsertRun(ctx context.Context, jobID int64, startedAt time.Time) (int64, error)
	// UpdateRun finalizes a run that is still running. changed is false when
	// no running row with that id exists.
	UpdateRun(ctx context.Context, runID int64, u RunUpdate) (changed bool, err error)
	GetRun(ctx context.Context, id int64) (job.Run, error)
	// ListRuns returns the newest runs first; limit <= 0 means no limit.
	ListRuns(ctx context.Context, jobID int64, limit int) ([]job.Run, error)
	// DeleteRunsOlderThan removes finished runs with finished_at < cutoff.
	DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountRuns(ctx context.Context) (int64, error)
}

// Store is the full persistence API used by the engine.
type Store interface {
	JobStore
	ScriptStore
	RunStore
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether Open accepts driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "memory", "mem":
		return true
	}
	return false
}

func jobNotFound(id int64) error {
	return errors.Mark(errors.Newf("job %d not found", id), job.ErrNotFound)
}

func runNotFound(id int64) error {
	return errors.Mark(errors.Newf("run %d not found", id), job.ErrNotFound)
}

func scriptNotFound(id int64) error {
	err := errors.Newf("script %d not found", id)
	return errors.Mark(errors.Mark(err, job.ErrScriptNotFound), job.ErrNotFound)
}
