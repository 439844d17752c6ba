package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronosphere/internal/job"
)

// Memory is a process-local Store. Deleting a job cascades to its runs like
// the SQL drivers do.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	jobs    map[int64]job.Job
	scripts map[int64]job.Script
	runs    map[int64]job.Run
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    map[int64]job.Job{},
		scripts: map[int64]job.Script{},
		runs:    map[int64]job.Run{},
	}
}

func (m *Memory) nextIDLocked() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	if j.Payload == nil {
		return job.Job{}, job.Validationf("command or script required")
	}
	if j.Status == "" {
		j.Status = job.StatusActive
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = m.nextIDLocked()
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, jobNotFound(id)
	}
	return j, nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]job.Job, error) {
	m.mu.Lock()
	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Owner != 0 && j.Owner != f.Owner {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	m.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id int64, status job.Status) error {
	if !status.Valid() {
		return job.Validationf("invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	j.Status = status
	m.jobs[id] = j
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return jobNotFound(id)
	}
	delete(m.jobs, id)
	for rid, r := range m.runs {
		if r.JobID == id {
			delete(m.runs, rid)
		}
	}
	return nil
}

func (m *Memory) CreateScript(_ context.Context, s job.Script) (job.Script, error) {
	if s.Kind == "" {
		s.Kind = job.KindShell
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextIDLocked()
	m.scripts[s.ID] = s
	return s, nil
}

func (m *Memory) GetScript(_ context.Context, id int64) (job.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[id]
	if !ok {
		return job.Script{}, scriptNotFound(id)
	}
	return s, nil
}

func (m *Memory) ListScripts(_ context.Context, owner int64) ([]job.Script, error) {
	m.mu.Lock()
	out := make([]job.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		if owner != 0 && s.Owner != owner {
			continue
		}
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) DeleteScript(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[id]; !ok {
		return scriptNotFound(id)
	}
	delete(m.scripts, id)
	return nil
}

func (m *Memory) InsertRun(_ context.Context, jobID int64, startedAt time.Time) (int64, error) {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return 0, job.Persistence(jobNotFound(jobID), "insert run")
	}
	id := m.nextIDLocked()
	m.runs[id] = job.Run{ID: id, JobID: jobID, Status: job.RunRunning, StartedAt: startedAt}
	return id, nil
}

func (m *Memory) UpdateRun(_ context.Context, runID int64, u RunUpdate) (bool, error) {
	if u.Status != job.RunSuccess && u.Status != job.RunError {
		return false, job.Validationf("invalid terminal run status %q", u.Status)
	}
	if u.FinishedAt.IsZero() {
		u.FinishedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != job.RunRunning {
		return false, nil
	}
	fin, out := u.FinishedAt, u.Output
	r.Status = u.Status
	r.FinishedAt = &fin
	r.Output = &out
	m.runs[runID] = r
	return true, nil
}

func (m *Memory) GetRun(_ context.Context, id int64) (job.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return job.Run{}, runNotFound(id)
	}
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, jobID int64, limit int) ([]job.Run, error) {
	m.mu.Lock()
	var out []job.Run
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.After(out[b].StartedAt)
		}
		return out[a].ID > out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteRunsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountRuns(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.runs)), nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*sqlStore)(nil)
