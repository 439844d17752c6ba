package recorder

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
	"cronosphere/internal/storage"
	logx "cronosphere/pkg/logx"
)

func setup(t *testing.T) (*Recorder, *storage.Memory, int64, *bytes.Buffer) {
	t.Helper()
	st := storage.NewMemory()
	j, err := st.CreateJob(context.Background(), job.Job{Owner: 1, Name: "x", Payload: job.CommandPayload{Command: "true"}, Schedule: "* * * * *"})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, log := logx.New(logx.Config{Level: "debug", Console: true, JSON: true, Output: &buf})
	return New(st, log), st, j.ID, &buf
}

func TestBeginFinalize(t *testing.T) {
	t.Parallel()
	rec, st, jobID, _ := setup(t)
	ctx := context.Background()

	id, err := rec.Begin(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Open())

	run, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.RunRunning, run.Status)

	require.NoError(t, rec.Finalize(ctx, id, job.RunSuccess, "  hello\n"))
	assert.Zero(t, rec.Open())

	run, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.RunSuccess, run.Status)
	assert.Equal(t, "hello", run.OutputText())
	require.NotNil(t, run.FinishedAt)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestEmptyOutputGetsPlaceholder(t *testing.T) {
	t.Parallel()
	rec, st, jobID, _ := setup(t)
	ctx := context.Background()
	id, err := rec.Begin(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, rec.Finalize(ctx, id, job.RunError, ""))
	run, _ := st.GetRun(ctx, id)
	assert.Equal(t, job.PlaceholderOutput, run.OutputText())
}

func TestDoubleFinalizeIsAnomaly(t *testing.T) {
	t.Parallel()
	rec, st, jobID, buf := setup(t)
	ctx := context.Background()
	id, _ := rec.Begin(ctx, jobID)
	require.NoError(t, rec.Fail(ctx, id, "script not found"))
	require.NoError(t, rec.Finalize(ctx, id, job.RunSuccess, "late"))

	run, _ := st.GetRun(ctx, id)
	assert.Equal(t, job.RunError, run.Status)
	assert.Equal(t, "script not found", run.OutputText())
	assert.Contains(t, buf.String(), "run finalize anomaly")
}

func TestUnknownRunIsAnomaly(t *testing.T) {
	t.Parallel()
	rec, _, _, buf := setup(t)
	require.NoError(t, rec.Finalize(context.Background(), 12345, job.RunSuccess, "x"))
	assert.Contains(t, buf.String(), "run finalize anomaly")
}

func TestInvalidTerminalStatus(t *testing.T) {
	t.Parallel()
	rec, _, jobID, _ := setup(t)
	id, _ := rec.Begin(context.Background(), jobID)
	assert.Error(t, rec.Finalize(context.Background(), id, job.RunRunning, ""))
}

func TestBeginFailureIsReturned(t *testing.T) {
	t.Parallel()
	rec, _, _, _ := setup(t)
	_, err := rec.Begin(context.Background(), 999)
	assert.Error(t, err)
	assert.Zero(t, rec.Open())
}
