package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
	logx "cronosphere/pkg/logx"
)

// each driver must satisfy the same contract
func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "cron.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Ping(ctx))

			sc, err := st.CreateScript(ctx, job.Script{Owner: 1, Name: "hello", Content: "console.log(1)", Kind: job.KindNode})
			require.NoError(t, err)
			assert.NotZero(t, sc.ID)

			cmd, err := st.CreateJob(ctx, job.Job{Owner: 1, Name: "a", Payload: job.CommandPayload{Command: "echo a"}, Schedule: "* * * * *"})
			require.NoError(t, err)
			assert.Equal(t, job.StatusActive, cmd.Status)

			scr, err := st.CreateJob(ctx, job.Job{Owner: 2, Name: "b", Payload: job.ScriptPayload{ScriptID: sc.ID}, Schedule: "@hourly", Status: job.StatusPaused, LongRunning: true})
			require.NoError(t, err)

			got, err := st.GetJob(ctx, scr.ID)
			require.NoError(t, err)
			assert.Equal(t, sc.ID, got.ScriptID())
			assert.True(t, got.LongRunning)
			assert.True(t, got.Paused())
			assert.Equal(t, scr.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

			got, err = st.GetJob(ctx, cmd.ID)
			require.NoError(t, err)
			assert.Equal(t, "echo a", got.Command())

			all, err := st.ListJobs(ctx, JobFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)
			active, err := st.ListJobs(ctx, JobFilter{Status: job.StatusActive})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, cmd.ID, active[0].ID)
			owned, err := st.ListJobs(ctx, JobFilter{Owner: 2})
			require.NoError(t, err)
			require.Len(t, owned, 1)

			require.NoError(t, st.UpdateJobStatus(ctx, cmd.ID, job.StatusPaused))
			got, _ = st.GetJob(ctx, cmd.ID)
			assert.True(t, got.Paused())
			assert.True(t, errors.Is(st.UpdateJobStatus(ctx, cmd.ID, "bogus"), job.ErrValidation))
			assert.True(t, errors.Is(st.UpdateJobStatus(ctx, 9999, job.StatusActive), job.ErrNotFound))

			require.NoError(t, st.DeleteJob(ctx, cmd.ID))
			_, err = st.GetJob(ctx, cmd.ID)
			assert.True(t, errors.Is(err, job.ErrNotFound))
			assert.True(t, errors.Is(st.DeleteJob(ctx, cmd.ID), job.ErrNotFound))

			_, err = st.GetScript(ctx, 9999)
			assert.True(t, errors.Is(err, job.ErrScriptNotFound))
			scripts, err := st.ListScripts(ctx, 1)
			require.NoError(t, err)
			require.Len(t, scripts, 1)
			assert.Equal(t, job.KindNode, scripts[0].Kind)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j, err := st.CreateJob(ctx, job.Job{Owner: 1, Name: "r", Payload: job.CommandPayload{Command: "true"}, Schedule: "* * * * *"})
			require.NoError(t, err)

			start := time.Now().Add(-time.Minute)
			id, err := st.InsertRun(ctx, j.ID, start)
			require.NoError(t, err)

			r, err := st.GetRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, job.RunRunning, r.Status)
			assert.True(t, r.Consistent())
			assert.Nil(t, r.FinishedAt)

			changed, err := st.UpdateRun(ctx, id, RunUpdate{Status: job.RunSuccess, Output: "hello", FinishedAt: time.Now()})
			require.NoError(t, err)
			assert.True(t, changed)

			// finalized exactly once
			changed, err = st.UpdateRun(ctx, id, RunUpdate{Status: job.RunError, Output: "late"})
			require.NoError(t, err)
			assert.False(t, changed)

			r, err = st.GetRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, job.RunSuccess, r.Status)
			assert.Equal(t, "hello", r.OutputText())
			assert.True(t, r.Consistent())

			changed, err = st.UpdateRun(ctx, 424242, RunUpdate{Status: job.RunError})
			require.NoError(t, err)
			assert.False(t, changed)

			_, err = st.UpdateRun(ctx, id, RunUpdate{Status: job.RunRunning})
			assert.True(t, errors.Is(err, job.ErrValidation))

			_, err = st.GetRun(ctx, 424242)
			assert.True(t, errors.Is(err, job.ErrNotFound))
		})
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j, err := st.CreateJob(ctx, job.Job{Owner: 1, Name: "l", Payload: job.CommandPayload{Command: "true"}, Schedule: "* * * * *"})
			require.NoError(t, err)
			base := time.Now().Add(-time.Hour)
			var ids []int64
			for i := 0; i < 3; i++ {
				id, err := st.InsertRun(ctx, j.ID, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, err)
				ids = append(ids, id)
			}
			runs, err := st.ListRuns(ctx, j.ID, 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, ids[2], runs[0].ID)
			assert.Equal(t, ids[0], runs[2].ID)

			runs, err = st.ListRuns(ctx, j.ID, 2)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
		})
	}
}

func TestDeleteRunsOlderThanSparesRunning(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j, err := st.CreateJob(ctx, job.Job{Owner: 1, Name: "d", Payload: job.CommandPayload{Command: "true"}, Schedule: "* * * * *"})
			require.NoError(t, err)

			now := time.Now()
			old := now.Add(-31 * 24 * time.Hour)

			oldFinished, _ := st.InsertRun(ctx, j.ID, old)
			_, err = st.UpdateRun(ctx, oldFinished, RunUpdate{Status: job.RunError, Output: "x", FinishedAt: old.Add(time.Second)})
			require.NoError(t, err)

			oldRunning, _ := st.InsertRun(ctx, j.ID, old)

			recent, _ := st.InsertRun(ctx, j.ID, now.Add(-time.Hour))
			_, err = st.UpdateRun(ctx, recent, RunUpdate{Status: job.RunSuccess, Output: "y", FinishedAt: now.Add(-time.Hour)})
			require.NoError(t, err)

			n, err := st.DeleteRunsOlderThan(ctx, now.Add(-30*24*time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			_, err = st.GetRun(ctx, oldFinished)
			assert.True(t, errors.Is(err, job.ErrNotFound))
			_, err = st.GetRun(ctx, oldRunning)
			assert.NoError(t, err)
			_, err = st.GetRun(ctx, recent)
			assert.NoError(t, err)

			total, err := st.CountRuns(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, total)
		})
	}
}

func TestDeleteJobCascadesRuns(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j, err := st.CreateJob(ctx, job.Job{Owner: 1, Name: "c", Payload: job.CommandPayload{Command: "true"}, Schedule: "* * * * *"})
			require.NoError(t, err)
			rid, err := st.InsertRun(ctx, j.ID, time.Now())
			require.NoError(t, err)

			require.NoError(t, st.DeleteJob(ctx, j.ID))
			_, err = st.GetRun(ctx, rid)
			assert.True(t, errors.Is(err, job.ErrNotFound))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "oracle"}, logx.Logger{})
	assert.Error(t, err)
	assert.False(t, ValidDriver("oracle"))
	assert.True(t, ValidDriver("postgres"))

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}
