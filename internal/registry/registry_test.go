package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid        int
	terminated atomic.Int32
}

func (f *fakeProc) PID() int { return f.pid }
func (f *fakeProc) Terminate() { f.terminated.Add(1) }

func TestSetScheduleIsIdempotent(t *testing.T) {
	t.Parallel()
	r := New()
	assert.True(t, r.SetSchedule(7, cron.EntryID(1)))
	assert.False(t, r.SetSchedule(7, cron.EntryID(2)))

	id, ok := r.Schedule(7)
	require.True(t, ok)
	assert.Equal(t, cron.EntryID(1), id)

	id, ok = r.RemoveSchedule(7)
	assert.True(t, ok)
	assert.Equal(t, cron.EntryID(1), id)
	_, ok = r.RemoveSchedule(7)
	assert.False(t, ok)
}

func TestScheduledIDsSorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, id := range []int64{5, 1, 3} {
		r.SetSchedule(id, cron.EntryID(id))
	}
	assert.Equal(t, []int64{1, 3, 5}, r.ScheduledIDs())
}

func TestExecutionSet(t *testing.T) {
	t.Parallel()
	r := New()
	a, b := &fakeProc{pid: 10}, &fakeProc{pid: 11}
	assert.True(t, r.AddProcess(1, 0, a))
	assert.True(t, r.AddProcess(1, 0, b))
	assert.True(t, r.AddProcess(1, 0, a))
	assert.False(t, r.AddProcess(1, 0, nil))
	assert.Equal(t, 2, r.RunningCount(1))

	r.RemoveProcess(1, a)
	assert.Equal(t, 1, r.RunningCount(1))
	r.RemoveProcess(1, b)
	assert.Equal(t, 0, r.RunningCount(1))
	r.RemoveProcess(1, b)

	_, running := r.Totals()
	assert.Zero(t, running)
}

func TestTakeProcessesClearsSet(t *testing.T) {
	t.Parallel()
	r := New()
	a := &fakeProc{pid: 1}
	r.AddProcess(3, r.Generation(3), a)
	got := r.TakeProcesses(3)
	assert.Len(t, got, 1)
	assert.Zero(t, r.RunningCount(3))
	assert.Empty(t, r.TakeProcesses(3))

	// a late RemoveProcess after Take is harmless
	r.RemoveProcess(3, a)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &fakeProc{pid: i}
			r.AddProcess(int64(i%4), r.Generation(int64(i%4)), p)
			r.SetSchedule(int64(i%8), cron.EntryID(i))
			r.RemoveProcess(int64(i%4), p)
		}(i)
	}
	wg.Wait()
	sched, running := r.Totals()
	assert.Equal(t, 8, sched)
	assert.Zero(t, running)
}

func TestCancelledJobRefusesLateProcess(t *testing.T) {
	t.Parallel()
	r := New()
	gen := r.Generation(2)
	assert.False(t, r.Cancelled(2, gen))

	// cancel lands while the spawn is in flight
	assert.Empty(t, r.TakeProcesses(2))
	assert.True(t, r.Cancelled(2, gen))

	late := &fakeProc{pid: 40}
	assert.False(t, r.AddProcess(2, gen, late))
	assert.Zero(t, r.RunningCount(2))

	// a spawn that starts after the cancel is accepted
	fresh := &fakeProc{pid: 41}
	assert.True(t, r.AddProcess(2, r.Generation(2), fresh))
	assert.Equal(t, 1, r.RunningCount(2))

	// other jobs are unaffected
	assert.True(t, r.AddProcess(3, gen, &fakeProc{pid: 42}))
}
