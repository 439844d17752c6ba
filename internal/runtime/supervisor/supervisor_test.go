package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("boom", func(context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.EqualValues(t, 1, s.Counters().Panics)
	assert.Equal(t, []string{"boom=1"}, s.PanicsByName())
}

func TestGoErrorIsRecordedWithoutCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("fail", func(context.Context) error { return errors.New("x") })
	require.Eventually(t, func() bool { return s.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.Err().Error(), "fail")
	assert.NoError(t, s.Context().Err())
	require.Error(t, s.Stop(context.Background()))
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.EqualValues(t, 1, s.Counters().Started)
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.Counters().Active)
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 3, runs.Load())
}
