package retention

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

func TestSweepDeletesOnlyOldFinishedRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	j, err := store.CreateJob(ctx, job.Job{Owner: 1, Name: "n", Schedule: "@daily", Payload: job.CommandPayload{Command: "true"}})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	finish := func(startedAgo, finishedAgo time.Duration) int64 {
		id, err := store.InsertRun(ctx, j.ID, now.Add(-startedAgo))
		require.NoError(t, err)
		_, err = store.UpdateRun(ctx, id, storage.RunUpdate{Status: job.RunSuccess, Output: "ok", FinishedAt: now.Add(-finishedAgo)})
		require.NoError(t, err)
		return id
	}
	old := finish(40*24*time.Hour, 40*24*time.Hour)
	recent := finish(2*24*time.Hour, 2*24*time.Hour)
	stuck, err := store.InsertRun(ctx, j.ID, now.Add(-90*24*time.Hour))
	require.NoError(t, err)

	s := New(Config{Verbose: true}, store, logx.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetRun(ctx, old)
	assert.True(t, errors.Is(err, job.ErrNotFound))
	_, err = store.GetRun(ctx, recent)
	assert.NoError(t, err)
	r, err := store.GetRun(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, job.RunRunning, r.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDefaultWindow(t *testing.T) {
	t.Parallel()
	s := New(Config{}, storage.NewMemory(), logx.Nop())
	assert.Equal(t, 720*time.Hour, s.Window())
}
