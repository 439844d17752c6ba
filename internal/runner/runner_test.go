//go:build unix

package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
)

// run starts spec and waits for it.
func run(t *testing.T, spec Spec) (Result, error) {
	t.Helper()
	p, err := Start(context.Background(), spec)
	if err != nil {
		return Result{ExitCode: -1, Err: err}, err
	}
	return p.Wait(), nil
}

func sh(script string) Spec {
	return Spec{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunCapturesStdoutThenStderr(t *testing.T) {
	t.Parallel()
	res, err := run(t, sh("echo out; echo err 1>&2"))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\nerr", res.Output)
}

func TestRunExitCode(t *testing.T) {
	t.Parallel()
	res, err := run(t, sh("echo boom; exit 3"))
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Output)
	assert.Empty(t, res.Signal)
}

func TestRunEnvAndDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spec := sh(`printf "%s %s" "$JOB_ID" "$(pwd)"`)
	spec.Dir = dir
	spec.Env = map[string]string{"JOB_ID": "17"}

	res, err := run(t, spec)
	require.NoError(t, err)
	require.True(t, res.Success())
	fields := strings.Fields(res.Output)
	require.Len(t, fields, 2)
	assert.Equal(t, "17", fields[0])
	assert.True(t, strings.HasSuffix(fields[1], strings.TrimPrefix(dir, "/private")))
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	spec := sh("sleep 30 & sleep 30")
	spec.Timeout = 200 * time.Millisecond
	spec.KillGrace = 200 * time.Millisecond

	start := time.Now()
	res, err := run(t, spec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	assert.Equal(t, "terminated", res.Signal)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	p, err := Start(context.Background(), sh("echo started; sleep 30"))
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	p.Terminate()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
	res := p.Wait()
	assert.True(t, res.Terminated)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Success())

	// Terminate after exit is a no-op.
	p.Terminate()
}

func TestContextCancelTerminates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, sh("sleep 30"))
	require.NoError(t, err)
	cancel()
	res := p.Wait()
	assert.True(t, res.Terminated)
}

func TestStartMissingExecutable(t *testing.T) {
	t.Parallel()
	_, err := Start(context.Background(), Spec{Path: "/nonexistent/definitely-not-here"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrSpawn))

	_, err = Start(context.Background(), Spec{})
	assert.True(t, errors.Is(err, job.ErrSpawn))
}

func TestOutputIsCapped(t *testing.T) {
	t.Parallel()
	spec := sh("head -c 5000 /dev/zero | tr '\\0' 'a'")
	spec.MaxOutput = 100
	res, err := run(t, spec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("a", 100)))
	assert.Contains(t, res.Output, "[output truncated: 4900 bytes dropped]")
}

func TestMergeEnvOverrides(t *testing.T) {
	t.Parallel()
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
}
