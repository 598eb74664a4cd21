package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/siteintel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	lockTTL time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, lockTTL: DefaultLockTTL}, nil
}

// WithLockTTL overrides how long a held lock is honored.
func (s *SQLiteStore) WithLockTTL(ttl time.Duration) *SQLiteStore {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// locked_at is stored as unix nanoseconds so the stale-lock comparison is
// numeric.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	domain        TEXT NOT NULL,
	phase         INTEGER NOT NULL DEFAULT 0,
	max_phase     INTEGER NOT NULL DEFAULT 5,
	status        TEXT NOT NULL DEFAULT 'pending',
	data          TEXT NOT NULL DEFAULT '{}',
	cost          TEXT NOT NULL DEFAULT '{}',
	pages_scraped INTEGER NOT NULL DEFAULT 0,
	data_points   INTEGER NOT NULL DEFAULT 0,
	lock_token    TEXT,
	locked_at     INTEGER,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS scraper_runs (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	scraper_type  TEXT NOT NULL,
	phase         INTEGER NOT NULL,
	urls          TEXT NOT NULL DEFAULT '[]',
	pages_scraped INTEGER NOT NULL DEFAULT 0,
	data_points   INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	scraper_type TEXT NOT NULL,
	phase        INTEGER NOT NULL,
	url_count    INTEGER NOT NULL DEFAULT 0,
	amount       REAL NOT NULL,
	projected    INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_scraper_runs_session_id ON scraper_runs(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_session_id ON spend_ledger(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSessionColumns = `id, domain, phase, max_phase, status, data, cost, pages_scraped, data_points, lock_token, locked_at, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, domain string, maxPhase int) (*model.Session, error) {
	sess := newSession(uuid.New().String(), domain, maxPhase, time.Now().UTC())

	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal data")
	}
	costJSON, err := json.Marshal(sess.Cost)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal cost")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, domain, phase, max_phase, status, data, cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Domain, sess.Phase, sess.MaxPhase, string(sess.Status),
		string(dataJSON), string(costJSON), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrSessionNotFound, "sqlite: session %s", id)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error {
	sets, args, err := updateClauses(upd, func(int) string { return "?" })
	if err != nil {
		return eris.Wrap(err, "sqlite: update session")
	}
	args = append(args, id)
	where := `id = ?`
	if upd.LockToken != "" {
		where += ` AND lock_token = ?`
		args = append(args, upd.LockToken)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE `+where, args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", id)
	}
	if upd.LockToken == "" {
		return checkRowsAffected(res, id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrSessionNotFound, "sqlite: update session %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: update session lookup")
	}
	return eris.Wrapf(model.ErrLockLost, "sqlite: update session %s", id)
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, id, token string) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.lockTTL)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET lock_token = ?, locked_at = ?
		 WHERE id = ? AND (lock_token IS NULL OR locked_at < ?)`,
		token, now.UnixNano(), id, cutoff.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(model.ErrSessionNotFound, "sqlite: acquire lock %s", id)
	}
	return false, eris.Wrap(err, "sqlite: acquire lock lookup")
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET lock_token = NULL, locked_at = NULL WHERE id = ? AND lock_token = ?`,
		id, token,
	)
	return eris.Wrapf(err, "sqlite: release lock %s", id)
}

func (s *SQLiteStore) AppendScraperRun(ctx context.Context, run *model.ScraperRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	urlsJSON, err := json.Marshal(run.URLs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run urls")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scraper_runs
		 (id, session_id, scraper_type, phase, urls, pages_scraped, data_points, cost, success, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, string(run.ScraperType), run.Phase, string(urlsJSON),
		run.PagesScraped, run.DataPoints, run.Cost, run.Success, nullString(run.Error),
		run.Duration.Milliseconds(), run.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert scraper run for session %s", run.SessionID)
}

func (s *SQLiteStore) GetScrapingHistory(ctx context.Context, sessionID string) ([]model.ScraperRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, scraper_type, phase, urls, pages_scraped, data_points, cost, success, error, duration_ms, created_at
		 FROM scraper_runs WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scraping history %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var history []model.ScraperRun
	for rows.Next() {
		var r model.ScraperRun
		var urlsJSON string
		var errText sql.NullString
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ScraperType, &r.Phase, &urlsJSON,
			&r.PagesScraped, &r.DataPoints, &r.Cost, &r.Success, &errText,
			&durationMS, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scraper run")
		}
		if err := json.Unmarshal([]byte(urlsJSON), &r.URLs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run urls")
		}
		r.Error = errText.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		history = append(history, r)
	}
	return history, eris.Wrap(rows.Err(), "sqlite: scraping history iterate")
}

func (s *SQLiteStore) RecordSpend(ctx context.Context, entry *model.SpendEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_ledger (id, session_id, scraper_type, phase, url_count, amount, projected, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), entry.SessionID, string(entry.ScraperType), entry.Phase,
		entry.URLCount, entry.Amount, entry.Projected, entry.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record spend for session %s", entry.SessionID)
}

// SpendTotal sums the ledger for a session.
func (s *SQLiteStore) SpendTotal(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM spend_ledger WHERE session_id = ?`, sessionID,
	).Scan(&total)
	return total, eris.Wrap(err, "sqlite: spend total")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrSessionNotFound, "session %s", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var dataJSON, costJSON []byte
	var lockToken sql.NullString
	var lockedAt sql.NullInt64

	err := row.Scan(&sess.ID, &sess.Domain, &sess.Phase, &sess.MaxPhase, &sess.Status,
		&dataJSON, &costJSON, &sess.PagesScraped, &sess.DataPoints,
		&lockToken, &lockedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}

	if err := decodeSessionJSON(&sess, dataJSON, costJSON); err != nil {
		return nil, eris.Wrap(err, "sqlite")
	}
	sess.LockToken = lockToken.String
	if lockedAt.Valid {
		t := time.Unix(0, lockedAt.Int64).UTC()
		sess.LockedAt = &t
	}
	return &sess, nil
}
