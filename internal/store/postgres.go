package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/db"
	"github.com/sells-group/siteintel/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	lockTTL time.Duration
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const postgresSessionColumns = `id, domain, phase, max_phase, status, data, cost, pages_scraped, data_points, lock_token, locked_at, created_at, updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, lockTTL: DefaultLockTTL}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns the pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, lockTTL: DefaultLockTTL}
}

// WithLockTTL overrides how long a held lock is honored.
func (s *PostgresStore) WithLockTTL(ttl time.Duration) *PostgresStore {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// LockTTL reports how long a held lock is honored before it may be taken.
func (s *PostgresStore) LockTTL() time.Duration {
	return s.lockTTL
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, domain string, maxPhase int) (*model.Session, error) {
	sess := newSession(uuid.New().String(), domain, maxPhase, time.Now().UTC())

	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal data")
	}
	costJSON, err := json.Marshal(sess.Cost)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal cost")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, domain, phase, max_phase, status, data, cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.Domain, sess.Phase, sess.MaxPhase, string(sess.Status),
		dataJSON, costJSON, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE id = $1`, id,
	)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrSessionNotFound, "postgres: session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + postgresSessionColumns + ` FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Domain != "" {
		query += fmt.Sprintf(` AND domain = $%d`, argIdx)
		args = append(args, filter.Domain)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error {
	sets, args, err := updateClauses(upd, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return eris.Wrap(err, "postgres: update session")
	}
	args = append(args, id)
	where := fmt.Sprintf(`id = $%d`, len(args))
	if upd.LockToken != "" {
		args = append(args, upd.LockToken)
		where += fmt.Sprintf(` AND lock_token = $%d`, len(args))
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s WHERE %s`, strings.Join(sets, ", "), where),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if upd.LockToken == "" {
		return eris.Wrapf(model.ErrSessionNotFound, "postgres: update session %s", id)
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return eris.Wrap(err, "postgres: update session lookup")
	}
	if !exists {
		return eris.Wrapf(model.ErrSessionNotFound, "postgres: update session %s", id)
	}
	return eris.Wrapf(model.ErrLockLost, "postgres: update session %s", id)
}

// AcquireLock stamps and compares locked_at using the database clock.
func (s *PostgresStore) AcquireLock(ctx context.Context, id, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET lock_token = $1, locked_at = now()
		 WHERE id = $2 AND (lock_token IS NULL OR locked_at < now() - make_interval(secs => $3))`,
		token, id, s.lockTTL.Seconds(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire lock lookup")
	}
	if !exists {
		return false, eris.Wrapf(model.ErrSessionNotFound, "postgres: acquire lock %s", id)
	}
	return false, nil
}

func (s *PostgresStore) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET lock_token = NULL, locked_at = NULL WHERE id = $1 AND lock_token = $2`,
		id, token,
	)
	return eris.Wrapf(err, "postgres: release lock %s", id)
}

func (s *PostgresStore) AppendScraperRun(ctx context.Context, run *model.ScraperRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	urlsJSON, err := json.Marshal(run.URLs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run urls")
	}

	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scraper_runs
		 (id, session_id, scraper_type, phase, urls, pages_scraped, data_points, cost, success, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.SessionID, string(run.ScraperType), run.Phase, urlsJSON,
		run.PagesScraped, run.DataPoints, run.Cost, run.Success, errText,
		run.Duration.Milliseconds(), run.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert scraper run for session %s", run.SessionID)
}

func (s *PostgresStore) GetScrapingHistory(ctx context.Context, sessionID string) ([]model.ScraperRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, scraper_type, phase, urls, pages_scraped, data_points, cost, success, error, duration_ms, created_at
		 FROM scraper_runs WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scraping history %s", sessionID)
	}
	defer rows.Close()

	var history []model.ScraperRun
	for rows.Next() {
		var r model.ScraperRun
		var scraperType string
		var urlsJSON []byte
		var errText *string
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.SessionID, &scraperType, &r.Phase, &urlsJSON,
			&r.PagesScraped, &r.DataPoints, &r.Cost, &r.Success, &errText,
			&durationMS, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scraper run")
		}
		if err := json.Unmarshal(urlsJSON, &r.URLs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run urls")
		}
		r.ScraperType = model.ScraperType(scraperType)
		if errText != nil {
			r.Error = *errText
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		history = append(history, r)
	}
	return history, eris.Wrap(rows.Err(), "postgres: scraping history iterate")
}

func (s *PostgresStore) RecordSpend(ctx context.Context, entry *model.SpendEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spend_ledger (id, session_id, scraper_type, phase, url_count, amount, projected, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), entry.SessionID, string(entry.ScraperType), entry.Phase,
		entry.URLCount, entry.Amount, entry.Projected, entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record spend for session %s", entry.SessionID)
}

// SpendTotal sums the ledger for a session.
func (s *PostgresStore) SpendTotal(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM spend_ledger WHERE session_id = $1`, sessionID,
	).Scan(&total)
	return total, eris.Wrap(err, "postgres: spend total")
}

func scanPgSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var status string
	var dataJSON, costJSON []byte
	var lockToken *string

	err := row.Scan(&sess.ID, &sess.Domain, &sess.Phase, &sess.MaxPhase, &status,
		&dataJSON, &costJSON, &sess.PagesScraped, &sess.DataPoints,
		&lockToken, &sess.LockedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	if lockToken != nil {
		sess.LockToken = *lockToken
	}
	if err := decodeSessionJSON(&sess, dataJSON, costJSON); err != nil {
		return nil, eris.Wrap(err, "postgres")
	}
	return &sess, nil
}
