package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recset-precompute/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, postgresDialect, WithClock(func() time.Time { return fixedNow })), mock
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE id = ? AND b IN (?, ?)"
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND b IN ($3, $4)", postgresDialect.rebind(q))
	assert.Equal(t, q, sqliteDialect.rebind(q))
}

func TestPostgresTryClaimContention(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE job_queue\s+SET status = 'PROCESSING'.*WHERE id = \$5 AND .* <= \$6\)\) AND attempts <= \$7 RETURNING`).
		WithArgs(fixedNow, fixedNow, "w1", fixedNow, "job-1", fixedNow.Add(-time.Minute), 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT 1 FROM job_queue WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	job, err := s.TryClaim(context.Background(), "job-1", ClaimParams{WorkerID: "w1", LeaseAge: time.Minute, MaxTries: 3})
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)
	lease := models.Lease{JobID: "job-1", Attempt: 2, WorkerID: "w1"}

	mock.ExpectExec(`UPDATE job_queue SET heartbeat_at = \$1, updated_at = \$2\s+WHERE id = \$3 AND status = 'PROCESSING' AND attempts = \$4`).
		WithArgs(fixedNow, fixedNow, "job-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Heartbeat(context.Background(), lease)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeartbeatLeaseLost(t *testing.T) {
	s, mock := newMockStore(t)
	lease := models.Lease{JobID: "job-1", Attempt: 2}

	mock.ExpectExec(`UPDATE job_queue SET heartbeat_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM job_queue`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := s.Heartbeat(context.Background(), lease)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeLocksRow(t *testing.T) {
	s, mock := newMockStore(t)
	lease := models.Lease{JobID: "job-1", Attempt: 1, WorkerID: "w1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status_log, error_detail, heartbeat_at, processing_time_seconds\s+FROM job_queue WHERE id = \$1 AND status = 'PROCESSING' AND attempts = \$2 FOR UPDATE`).
		WithArgs("job-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"status_log", "error_detail", "heartbeat_at", "processing_time_seconds"}).
			AddRow("", "", fixedNow, nil))
	mock.ExpectExec(`UPDATE job_queue\s+SET status = \$1, finished_at = \$2`).
		WithArgs("COMPLETE", fixedNow, nil, true, int64(17), sqlmock.AnyArg(), sqlmock.AnyArg(), "", fixedNow, "job-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.Finalize(context.Background(), lease, models.Completed(17, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPingError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, postgresDialect)

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	err = s.Ping(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres")
}
