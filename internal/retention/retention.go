// Package retention deletes finished runs that have aged out.
package retention

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

// DefaultWindow is how long finished runs are kept.
const DefaultWindow = 30 * 24 * time.Hour

type Config struct {
	Window time.Duration
	// Verbose logs the run count before and after each sweep.
	Verbose bool
}

type Sweeper struct {
	runs storage.RunStore
	log  logx.Logger
	cfg  Config
	now  func() time.Time
}

func New(cfg Config, runs storage.RunStore, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Sweeper{runs: runs, log: log.With(logx.String("comp", "retention")), cfg: cfg, now: time.Now}
}

// Window returns the retention window in effect.
func (s *Sweeper) Window() time.Duration { return s.cfg.Window }

// Sweep deletes runs that finished before now minus the window. Runs still
// running are never touched. It returns the number of rows deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Window)
	log := s.log.With(logx.Time("cutoff", cutoff))

	if s.cfg.Verbose {
		if n, err := s.runs.CountRuns(ctx); err == nil {
			log.Debug("runs before cleanup", logx.Int64("count", n))
		}
	}

	deleted, err := s.runs.DeleteRunsOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("run cleanup failed", logx.Err(err))
		return 0, errors.Wrap(err, "delete old runs")
	}

	if s.cfg.Verbose {
		if n, err := s.runs.CountRuns(ctx); err == nil {
			log.Debug("runs after cleanup", logx.Int64("count", n))
		}
	}
	log.Info("old runs cleaned up", logx.Int64("deleted", deleted), logx.Duration("window", s.cfg.Window))
	return deleted, nil
}
