package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteLedger(t *testing.T, clk *clock.Manual) Ledger {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewSQL(db, DialectSQLite, "", Options{Lease: time.Minute, Clock: clk})
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestSQL_SQLite(t *testing.T) {
	testLedger(t, newSQLiteLedger)
}

func TestNewSQL_Validation(t *testing.T) {
	_, err := NewSQL(nil, "mysql", "", Options{})
	assert.ErrorIs(t, err, ErrUnknownDialect)

	_, err = NewSQL(nil, DialectPostgres, "ledger; DROP TABLE x", Options{})
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func newPostgresMock(t *testing.T) (*SQL, sqlmock.Sqlmock, *clock.Manual) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := newFakeClock()
	l, err := NewSQL(db, DialectPostgres, "ledger", Options{Lease: time.Minute, Clock: clk})
	require.NoError(t, err)
	return l, mock, clk
}

func TestSQL_Postgres_TryAcquireGranted(t *testing.T) {
	l, mock, clk := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO ledger (event_key, status, reason, last_attempt_at) VALUES ($1, $2, '', $3) ON CONFLICT (event_key) DO NOTHING`)).
		WithArgs("evt-1", "PENDING", clk.Now().UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d, err := l.TryAcquire(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Granted, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_TryAcquireExisting(t *testing.T) {
	l, mock, clk := newPostgresMock(t)
	now := clk.Now()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE ledger SET last_attempt_at = $1 WHERE event_key = $2 AND status = $3 AND last_attempt_at <= $4`)).
		WithArgs(now.UnixMilli(), "evt-1", "PENDING", now.Add(-time.Minute).UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, reason, last_attempt_at FROM ledger WHERE event_key = $1`)).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "reason", "last_attempt_at"}).
			AddRow("DONE", "", now.UnixMilli()))

	d, err := l.TryAcquire(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_MarkFailedTerminalIsNoop(t *testing.T) {
	l, mock, clk := newPostgresMock(t)
	now := clk.Now().UnixMilli()

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE ledger SET status = $1, reason = $2, last_attempt_at = $3 WHERE event_key = $4 AND status = $5`)).
		WithArgs("FAILED", "timeout", now, "evt-1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO ledger (event_key, status, reason, last_attempt_at) VALUES ($1, $2, $3, $4) ON CONFLICT (event_key) DO NOTHING`)).
		WithArgs("evt-1", "FAILED", "timeout", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.MarkFailed(context.Background(), "evt-1", "timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_ExecError(t *testing.T) {
	l, mock, _ := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).WillReturnError(errors.New("conn reset"))

	_, err := l.TryAcquire(context.Background(), "evt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn reset")
}

func TestSQL_Postgres_GetCorruptStatus(t *testing.T) {
	l, mock, _ := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status`)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "reason", "last_attempt_at"}).AddRow("WEIRD", "", 0))

	_, err := l.Get(context.Background(), "evt-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSQL_Postgres_GetNotFound(t *testing.T) {
	l, mock, _ := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status`)).WillReturnError(sql.ErrNoRows)

	_, err := l.Get(context.Background(), "evt-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
