// Package registry tracks, per job, the live cron entry and the set of
// processes currently executing on its behalf.
//
// Every TakeProcesses bumps the job's cancel generation. A spawn that read
// the generation before the cancel cannot join the set afterwards, so a
// cancel racing a firing never leaves an orphaned process behind.
//
// All of it lives only in memory. Storage remains the source of truth; the
// registry is rebuilt from it at startup and reconciled at every firing.
package registry

import (
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// Process is the part of a running child the registry needs.
type Process interface {
	PID() int
	Terminate()
}

// Registry is safe for concurrent use. The zero value is not usable; call New.
type Registry struct {
	mu        sync.Mutex
	schedules map[int64]cron.EntryID
	running   map[int64]map[Process]struct{}
	gens      map[int64]uint64
}

func New() *Registry {
	return &Registry{
		schedules: map[int64]cron.EntryID{},
		running:   map[int64]map[Process]struct{}{},
		gens:      map[int64]uint64{},
	}
}

// SetSchedule records the entry for jobID. It returns false and leaves the
// registry untouched if the job already has one.
func (r *Registry) SetSchedule(jobID int64, id cron.EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[jobID]; ok {
		return false
	}
	r.schedules[jobID] = id
	return true
}

func (r *Registry) Schedule(jobID int64) (cron.EntryID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.schedules[jobID]
	return id, ok
}

// RemoveSchedule deletes and returns the entry for jobID.
func (r *Registry) RemoveSchedule(jobID int64) (cron.EntryID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.schedules[jobID]
	if ok {
		delete(r.schedules, jobID)
	}
	return id, ok
}

// ScheduledIDs returns the scheduled job ids in ascending order.
func (r *Registry) ScheduledIDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.schedules))
	for id := range r.schedules {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Generation returns the job's cancel generation.
func (r *Registry) Generation(jobID int64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[jobID]
}

// Cancelled reports whether the job was cancelled since gen was read.
func (r *Registry) Cancelled(jobID int64, gen uint64) bool {
	return r.Generation(jobID) != gen
}

// AddProcess puts p in the job's execution set. It returns false, leaving
// the set untouched, when the job was cancelled since gen was read; the
// caller then owns terminating p.
func (r *Registry) AddProcess(jobID int64, gen uint64, p Process) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[jobID] != gen {
		return false
	}
	set := r.running[jobID]
	if set == nil {
		set = map[Process]struct{}{}
		r.running[jobID] = set
	}
	set[p] = struct{}{}
	return true
}

// RemoveProcess drops p from the job's set; empty sets are discarded.
func (r *Registry) RemoveProcess(jobID int64, p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.running[jobID]
	if set == nil {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(r.running, jobID)
	}
}

// TakeProcesses removes the job's whole execution set and returns it, so the
// caller can signal each process without holding the lock. It also bumps the
// cancel generation, even when the set is empty.
func (r *Registry) TakeProcesses(jobID int64) []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := copySet(r.running[jobID])
	delete(r.running, jobID)
	r.gens[jobID]++
	return out
}

// RunningCount returns the size of the job's execution set.
func (r *Registry) RunningCount(jobID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running[jobID])
}

// Totals reports the number of scheduled jobs and running processes.
func (r *Registry) Totals() (scheduled, running int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.running {
		running += len(set)
	}
	return len(r.schedules), running
}

func copySet(set map[Process]struct{}) []Process {
	out := make([]Process, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID() < out[j].PID() })
	return out
}
