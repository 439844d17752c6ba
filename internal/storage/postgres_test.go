package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
	logx "cronosphere/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, postgresDialect, logx.Nop()), mock
}

func TestRebind(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestPostgresInsertRunUsesNumberedPlaceholders(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	started := time.UnixMilli(1_700_000_000_000)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO runs(job_id, status, started_at) VALUES($1,$2,$3) RETURNING id`)).
		WithArgs(int64(7), "running", started.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))

	id, err := st.InsertRun(context.Background(), 7, started)
	require.NoError(t, err)
	assert.EqualValues(t, 99, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunOnlyTouchesRunningRows(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	fin := time.UnixMilli(1_700_000_060_000)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status = $1, output = $2, finished_at = $3 WHERE id = $4 AND status = $5`)).
		WithArgs("success", "hello", fin.UnixMilli(), int64(99), "running").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := st.UpdateRun(context.Background(), 99, RunUpdate{Status: job.RunSuccess, Output: "hello", FinishedAt: fin})
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListJobsFilter(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{"id", "owner_id", "name", "command", "script_id", "schedule", "status", "long_running", "created_at"}).
		AddRow(int64(1), int64(5), "a", "echo a", nil, "* * * * *", "active", false, int64(1_700_000_000_000)).
		AddRow(int64(2), int64(5), "b", nil, int64(3), "@daily", "active", true, int64(1_700_000_000_000))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE owner_id = $1 AND status = $2 ORDER BY id`)).
		WithArgs(int64(5), "active").
		WillReturnRows(rows)

	jobs, err := st.ListJobs(context.Background(), JobFilter{Owner: 5, Status: job.StatusActive})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "echo a", jobs[0].Command())
	assert.EqualValues(t, 3, jobs[1].ScriptID())
	assert.True(t, jobs[1].LongRunning)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorsAreMarkedPersistence(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1`)).
		WillReturnError(errors.New("connection reset"))

	_, err := st.DeleteRunsOlderThan(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrPersistence))
	require.NoError(t, mock.ExpectationsWereMet())
}
