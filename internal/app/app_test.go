//go:build unix

package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/config"
	"cronosphere/internal/job"
	"cronosphere/internal/storage"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, mutate func(m map[string]any)) string {
	t.Helper()
	dir := t.TempDir()
	m := map[string]any{
		"logging":   map[string]any{"level": "ERROR", "console": true},
		"storage":   map[string]any{"driver": "memory"},
		"workspace": map[string]any{"root": filepath.Join(dir, "ws")},
		"executor":  map[string]any{"kill_grace": "500ms"},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func newApp(t *testing.T) *App {
	t.Helper()
	a, err := New(writeConfig(t, nil), WithEnvLookup(noEnv))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitExec(t *testing.T, a *App, runID int64) job.Run {
	t.Helper()
	var r job.Run
	require.Eventually(t, func() bool {
		var err error
		r, err = a.GetRun(context.Background(), AnyOwner, runID)
		return err == nil && r.Finished()
	}, 15*time.Second, 20*time.Millisecond)
	return r
}

func TestSubmitRejectsForbiddenCommand(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()

	_, _, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "x", Command: "sudo reboot", Schedule: "@daily"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrForbidden))

	jobs, err := a.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()

	_, _, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "x", Command: "true", Schedule: "61 * * * *"})
	assert.True(t, errors.Is(err, job.ErrInvalidExpression))

	_, _, err = a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "x", Schedule: "@daily"})
	assert.True(t, errors.Is(err, job.ErrValidation))

	_, _, err = a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "x", Command: "true", ScriptID: 3, Schedule: "@daily"})
	assert.True(t, errors.Is(err, job.ErrValidation))
}

func TestManualRunEchoHello(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()

	j, exec, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "hello", Command: "echo hello", Schedule: "0 0 1 1 *"})
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.True(t, a.sched.Scheduled(j.ID))

	exec, err = a.RunJob(ctx, 1, j.ID)
	require.NoError(t, err)
	r := waitExec(t, a, exec.RunID)
	assert.Equal(t, job.RunSuccess, r.Status)
	assert.Equal(t, "hello", r.OutputText())

	runs, err := a.ListRuns(ctx, 1, j.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOwnerIsolation(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	j, _, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "mine", Command: "true", Schedule: "@daily"})
	require.NoError(t, err)

	_, err = a.RunJob(ctx, 2, j.ID)
	assert.True(t, errors.Is(err, job.ErrNotFound))
	assert.True(t, errors.Is(a.DeleteJob(ctx, 2, j.ID), job.ErrNotFound))
	_, err = a.ListRuns(ctx, 2, j.ID, 0)
	assert.True(t, errors.Is(err, job.ErrNotFound))

	sc, err := a.SubmitScript(ctx, 1, "s", "echo hi", job.KindShell)
	require.NoError(t, err)
	_, _, err = a.SubmitJob(ctx, JobRequest{Owner: 2, Name: "theirs", ScriptID: sc.ID, Schedule: "@daily"})
	assert.True(t, errors.Is(err, job.ErrScriptNotFound))
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	j, _, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "p", Command: "true", Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	j, err = a.SetJobStatus(ctx, 1, j.ID, job.StatusPaused)
	require.NoError(t, err)
	assert.True(t, j.Paused())
	assert.False(t, a.sched.Scheduled(j.ID))

	// a manual run of a paused job is a silent skip
	_, err = a.RunJob(ctx, 1, j.ID)
	assert.True(t, errors.Is(err, job.ErrPausedSkip))

	_, err = a.SetJobStatus(ctx, 1, j.ID, job.StatusActive)
	require.NoError(t, err)
	assert.True(t, a.sched.Scheduled(j.ID))
	_, err = a.SetJobStatus(ctx, 1, j.ID, job.StatusActive)
	require.NoError(t, err)
	assert.Len(t, a.reg.ScheduledIDs(), 1)
}

func TestPauseLeavesRunningExecutionAlone(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	j, exec, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "slow", Command: "sleep 1; echo done", Schedule: "@daily", RunNow: true})
	require.NoError(t, err)
	require.NotNil(t, exec)

	_, err = a.SetJobStatus(ctx, 1, j.ID, job.StatusPaused)
	require.NoError(t, err)
	assert.False(t, a.sched.Scheduled(j.ID))
	assert.Equal(t, 1, a.reg.RunningCount(j.ID))

	r := waitExec(t, a, exec.RunID)
	assert.Equal(t, job.RunSuccess, r.Status)
	assert.Equal(t, "done", r.OutputText())
}

func TestDeleteTerminatesRunningProcesses(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	j, exec, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "long", Command: "sleep 30", Schedule: "@daily", RunNow: true})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, 1, a.reg.RunningCount(j.ID))

	require.NoError(t, a.DeleteJob(ctx, 1, j.ID))
	assert.False(t, a.sched.Scheduled(j.ID))
	assert.Zero(t, a.reg.RunningCount(j.ID))

	select {
	case <-exec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated")
	}
	_, err = a.GetJob(ctx, AnyOwner, j.ID)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestInitSchedulerRestoresActiveJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	_, err := store.CreateJob(ctx, job.Job{Owner: 1, Name: "a", Schedule: "@hourly", Payload: job.CommandPayload{Command: "true"}})
	require.NoError(t, err)
	_, err = store.CreateJob(ctx, job.Job{Owner: 1, Name: "b", Schedule: "@hourly", Payload: job.CommandPayload{Command: "true"}, Status: job.StatusPaused})
	require.NoError(t, err)

	a, err := New(writeConfig(t, nil), WithEnvLookup(noEnv), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx, StopAppStop)

	snap := a.Snapshot()
	assert.Len(t, snap.Jobs, 1)
	require.Len(t, snap.System, 1)
	assert.Equal(t, "retention", snap.System[0].Name)
	assert.True(t, snap.Running)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		ok     bool
	}{
		{"defaults", func(*config.Config) {}, true},
		{"bad driver", func(c *config.Config) { c.Storage.Driver = "mongo" }, false},
		{"bad denylist", func(c *config.Config) { c.Denylist.Extra = []string{"("} }, false},
		{"glob denylist", func(c *config.Config) { c.Denylist.Extra = []string{"glob:curl *|*sh"} }, true},
		{"bad retention spec", func(c *config.Config) { c.Scheduler.RetentionSpec = "daily" }, false},
		{"bad interpreter", func(c *config.Config) { c.Executor.Interpreters.Node = `node "x` }, false},
		{"bad overlap", func(c *config.Config) { c.Executor.Overlap = "queue" }, false},
		{"json log format", func(c *config.Config) { c.Logging.Format = "json" }, true},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }, false},
		{"debug on loopback", func(c *config.Config) { c.Debug.Addr = "127.0.0.1:6060" }, true},
		{"debug public without token", func(c *config.Config) { c.Debug.Addr = ":6060" }, false},
		{"debug public with token", func(c *config.Config) { c.Debug.Addr = ":6060"; c.Debug.Token = "s3cret" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := config.Default()
			tc.mutate(c)
			err := validateConfig(c)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyConfigSwapsDenylist(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()

	next := *a.Config()
	next.Denylist.Extra = []string{`(?i)\bcurl\b`}
	a.applyConfig(&next)

	_, _, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "c", Command: "curl example.com", Schedule: "@daily"})
	assert.True(t, errors.Is(err, job.ErrForbidden))
	_, _, err = a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "s", Command: "sudo ls", Schedule: "@daily"})
	assert.True(t, errors.Is(err, job.ErrForbidden), "defaults still apply alongside extras")
	assert.Equal(t, []string{`(?i)\bcurl\b`}, a.Config().Denylist.Extra)
}

func TestCleanupOldRuns(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	n, err := a.CleanupOldRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuntimeStats(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	j, exec, err := a.SubmitJob(ctx, JobRequest{Owner: 1, Name: "r", Command: "sleep 0.3", Schedule: "@daily", RunNow: true})
	require.NoError(t, err)

	st := a.Runtime()
	assert.Equal(t, 1, st.Scheduled)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.OpenRuns)

	<-exec.Done()
	st = a.Runtime()
	assert.Zero(t, st.Running)
	assert.Zero(t, st.OpenRuns)
	assert.Zero(t, a.reg.RunningCount(j.ID))
}
