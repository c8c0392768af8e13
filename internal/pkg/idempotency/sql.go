package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Dialects understood by NewSQL.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var (
	// ErrUnknownDialect is returned for unsupported SQL dialects.
	ErrUnknownDialect = errors.New("idempotency: unknown sql dialect")
	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("idempotency: invalid table name")

	tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// SQL is a Ledger backed by a relational table. The primary key on
// event_key is the gate: INSERT .. ON CONFLICT DO NOTHING succeeds for
// exactly one writer.
type SQL struct {
	db      *sql.DB
	dialect string
	table   string
	opts    Options
}

// NewSQL returns a ledger on db. Timestamps are stored as unix milliseconds so
// the same schema works on postgres and sqlite.
func NewSQL(db *sql.DB, dialect, table string, opts Options) (*SQL, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	if table == "" {
		table = "notification_ledger"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &SQL{db: db, dialect: dialect, table: table, opts: opts.withDefaults()}, nil
}

// Migrate creates the ledger table when missing.
func (s *SQL) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	event_key TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	last_attempt_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("idempotency: migrate %s: %w", s.table, err)
	}
	return nil
}

// query rewrites ? placeholders to $n for postgres.
func (s *SQL) query(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	n := strings.Count(q, "?")
	for _, ph := range lo.Times(n, func(i int) string { return "$" + strconv.Itoa(i+1) }) {
		q = strings.Replace(q, "?", ph, 1)
	}
	return q
}

func (s *SQL) TryAcquire(ctx context.Context, key string) (Decision, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}

	now := s.opts.Clock.Now()

	res, err := s.db.ExecContext(ctx, s.query(`INSERT INTO `+s.table+
		` (event_key, status, reason, last_attempt_at) VALUES (?, ?, '', ?) ON CONFLICT (event_key) DO NOTHING`),
		key, StatusPending.String(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("idempotency: sql insert: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("idempotency: sql insert: %w", err)
	} else if n == 1 {
		return Granted, nil
	}

	// Re-acquire a PENDING entry whose owner let the lease run out.
	res, err = s.db.ExecContext(ctx, s.query(`UPDATE `+s.table+
		` SET last_attempt_at = ? WHERE event_key = ? AND status = ? AND last_attempt_at <= ?`),
		now.UnixMilli(), key, StatusPending.String(), now.Add(-s.opts.Lease).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("idempotency: sql reclaim: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("idempotency: sql reclaim: %w", err)
	} else if n == 1 {
		return Granted, nil
	}

	e, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if e.Status.Terminal() {
		return AlreadyDone, nil
	}
	return AlreadyInFlight, nil
}

func (s *SQL) MarkDone(ctx context.Context, key string) error {
	return s.mark(ctx, key, StatusDone, "")
}

func (s *SQL) MarkFailed(ctx context.Context, key, reason string) error {
	return s.mark(ctx, key, StatusFailed, reason)
}

func (s *SQL) mark(ctx context.Context, key string, status Status, reason string) error {
	if err := validKey(key); err != nil {
		return err
	}

	now := s.opts.Clock.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, s.query(`UPDATE `+s.table+
		` SET status = ?, reason = ?, last_attempt_at = ? WHERE event_key = ? AND status = ?`),
		status.String(), reason, now, key, StatusPending.String())
	if err != nil {
		return fmt.Errorf("idempotency: sql mark %s: %w", status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("idempotency: sql mark %s: %w", status, err)
	} else if n == 1 {
		return nil
	}

	// Either already terminal (no-op) or never acquired.
	if _, err := s.db.ExecContext(ctx, s.query(`INSERT INTO `+s.table+
		` (event_key, status, reason, last_attempt_at) VALUES (?, ?, ?, ?) ON CONFLICT (event_key) DO NOTHING`),
		key, status.String(), reason, now); err != nil {
		return fmt.Errorf("idempotency: sql mark %s: %w", status, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (Entry, error) {
	var (
		status string
		reason string
		atMs   int64
	)

	err := s.db.QueryRowContext(ctx, s.query(`SELECT status, reason, last_attempt_at FROM `+s.table+
		` WHERE event_key = ?`), key).Scan(&status, &reason, &atMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency: sql get: %w", err)
	}

	st, err := parseStatus(status)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Key: key, Status: st, LastAttemptAt: time.UnixMilli(atMs).UTC(), Reason: reason}, nil
}
