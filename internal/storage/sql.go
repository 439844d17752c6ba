package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/job"
	logx "cronosphere/pkg/logx"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	migrations string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
}

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound per dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.migrations); err != nil {
		return errors.Wrapf(err, "%s: migrate", s.d.name)
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	return rebind(query)
}

// rebind rewrites '?' placeholders to $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return job.Persistence(err, s.d.name+": ping")
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

const jobColumns = `id, owner_id, name, command, script_id, schedule, status, long_running, created_at`

func (s *sqlStore) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.Status == "" {
		j.Status = job.StatusActive
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	var command sql.NullString
	var scriptID sql.NullInt64
	switch p := j.Payload.(type) {
	case job.CommandPayload:
		command = sql.NullString{String: p.Command, Valid: true}
	case job.ScriptPayload:
		scriptID = sql.NullInt64{Int64: p.ScriptID, Valid: true}
	default:
		return job.Job{}, job.Validationf("command or script required")
	}

	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO jobs(owner_id, name, command, script_id, schedule, status, long_running, created_at)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		j.Owner, j.Name, command, scriptID, j.Schedule, string(j.Status), j.LongRunning, j.CreatedAt.UnixMilli(),
	).Scan(&j.ID)
	if err != nil {
		return job.Job{}, job.Persistence(err, "create job")
	}
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, jobNotFound(id)
	}
	if err != nil {
		return job.Job{}, job.Persistence(err, "get job")
	}
	return j, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if f.Owner != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, job.Persistence(err, "list jobs")
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, job.Persistence(err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Persistence(err, "list jobs")
	}
	return out, nil
}

func (s *sqlStore) UpdateJobStatus(ctx context.Context, id int64, status job.Status) error {
	if !status.Valid() {
		return job.Validationf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return job.Persistence(err, "update job status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(id)
	}
	return nil
}

func (s *sqlStore) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Persistence(err, "delete job")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM runs WHERE job_id = ?`), id); err != nil {
		return job.Persistence(err, "delete job runs")
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return job.Persistence(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(id)
	}
	if err := tx.Commit(); err != nil {
		return job.Persistence(err, "delete job")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j        job.Job
		command  sql.NullString
		scriptID sql.NullInt64
		status   string
		created  int64
	)
	if err := r.Scan(&j.ID, &j.Owner, &j.Name, &command, &scriptID, &j.Schedule, &status, &j.LongRunning, &created); err != nil {
		return job.Job{}, err
	}
	switch {
	case scriptID.Valid && scriptID.Int64 > 0:
		j.Payload = job.ScriptPayload{ScriptID: scriptID.Int64}
	default:
		j.Payload = job.CommandPayload{Command: command.String}
	}
	j.Status = job.Status(status)
	j.CreatedAt = time.UnixMilli(created)
	return j, nil
}

// ---- scripts ----

func (s *sqlStore) CreateScript(ctx context.Context, sc job.Script) (job.Script, error) {
	if sc.Kind == "" {
		sc.Kind = job.KindShell
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO scripts(owner_id, name, content, kind, created_at) VALUES(?,?,?,?,?) RETURNING id`),
		sc.Owner, sc.Name, sc.Content, string(sc.Kind), sc.CreatedAt.UnixMilli(),
	).Scan(&sc.ID)
	if err != nil {
		return job.Script{}, job.Persistence(err, "create script")
	}
	return sc, nil
}

func (s *sqlStore) GetScript(ctx context.Context, id int64) (job.Script, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, owner_id, name, content, kind, created_at FROM scripts WHERE id = ?`), id)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Script{}, scriptNotFound(id)
	}
	if err != nil {
		return job.Script{}, job.Persistence(err, "get script")
	}
	return sc, nil
}

func (s *sqlStore) ListScripts(ctx context.Context, owner int64) ([]job.Script, error) {
	query := `SELECT id, owner_id, name, content, kind, created_at FROM scripts`
	var args []any
	if owner != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, job.Persistence(err, "list scripts")
	}
	defer rows.Close()
	var out []job.Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, job.Persistence(err, "scan script")
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Persistence(err, "list scripts")
	}
	return out, nil
}

func (s *sqlStore) DeleteScript(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM scripts WHERE id = ?`), id)
	if err != nil {
		return job.Persistence(err, "delete script")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scriptNotFound(id)
	}
	return nil
}

func scanScript(r rowScanner) (job.Script, error) {
	var (
		sc      job.Script
		kind    string
		created int64
	)
	if err := r.Scan(&sc.ID, &sc.Owner, &sc.Name, &sc.Content, &kind, &created); err != nil {
		return job.Script{}, err
	}
	sc.Kind = job.ParseScriptKind(kind)
	sc.CreatedAt = time.UnixMilli(created)
	return sc, nil
}

// ---- runs ----

func (s *sqlStore) InsertRun(ctx context.Context, jobID int64, startedAt time.Time) (int64, error) {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO runs(job_id, status, started_at) VALUES(?,?,?) RETURNING id`),
		jobID, string(job.RunRunning), startedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, job.Persistence(err, "insert run")
	}
	return id, nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, runID int64, u RunUpdate) (bool, error) {
	if u.Status != job.RunSuccess && u.Status != job.RunError {
		return false, job.Validationf("invalid terminal run status %q", u.Status)
	}
	if u.FinishedAt.IsZero() {
		u.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE runs SET status = ?, output = ?, finished_at = ? WHERE id = ? AND status = ?`),
		string(u.Status), u.Output, u.FinishedAt.UnixMilli(), runID, string(job.RunRunning),
	)
	if err != nil {
		return false, job.Persistence(err, "update run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, job.Persistence(err, "update run")
	}
	return n > 0, nil
}

const runColumns = `id, job_id, status, started_at, finished_at, output`

func (s *sqlStore) GetRun(ctx context.Context, id int64) (job.Run, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Run{}, runNotFound(id)
	}
	if err != nil {
		return job.Run{}, job.Persistence(err, "get run")
	}
	return r, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, jobID int64, limit int) ([]job.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, job.Persistence(err, "list runs")
	}
	defer rows.Close()
	var out []job.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, job.Persistence(err, "scan run")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Persistence(err, "list runs")
	}
	return out, nil
}

func (s *sqlStore) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, job.Persistence(err, "delete old runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.Persistence(err, "delete old runs")
	}
	return n, nil
}

func (s *sqlStore) CountRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, job.Persistence(err, "count runs")
	}
	return n, nil
}

func scanRun(r rowScanner) (job.Run, error) {
	var (
		run      job.Run
		status   string
		started  int64
		finished sql.NullInt64
		output   sql.NullString
	)
	if err := r.Scan(&run.ID, &run.JobID, &status, &started, &finished, &output); err != nil {
		return job.Run{}, err
	}
	run.Status = job.RunStatus(status)
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		run.FinishedAt = &t
	}
	if output.Valid {
		o := output.String
		run.Output = &o
	}
	return run, nil
}
