// Package report implements the optional Report Store: a Postgres-backed
// sink for detailedReport build summaries, consulted only when the
// detailedReport option is enabled.
package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
)

// DetailedReport summarizes one bundle() pass for persistence.
type DetailedReport struct {
	ID            int64     `db:"id"`
	StartedAt     time.Time `db:"started_at"`
	Duration      float64   `db:"duration_seconds"`
	ChangedAssets int       `db:"changed_assets"`
	Errored       bool      `db:"errored"`
	Details       string    `db:"details"`
}

// Store persists DetailedReport rows. Nil-safe: a nil *Store makes Save a
// no-op so the facade can carry it unconditionally.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// New wraps an existing *sqlx.DB (opened via sqlx.Connect("postgres", dsn))
// as a report Store. Migrations are applied separately via
// golang-migrate/migrate before the store is constructed.
func New(db *sqlx.DB, log *logging.Logger) *Store {
	return &Store{db: db, log: log}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS detailed_reports (
	id SERIAL PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL,
	changed_assets INTEGER NOT NULL,
	errored BOOLEAN NOT NULL,
	details JSONB NOT NULL DEFAULT '{}'::jsonb
)`

// EnsureSchema creates the detailed_reports table if it does not already
// exist. Used by callers that don't run golang-migrate migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return forgeerrors.IOError("create detailed_reports table", err)
	}
	return nil
}

// Save persists one detailed report row.
func (s *Store) Save(ctx context.Context, startedAt time.Time, duration time.Duration, changedAssets int, errored bool, details map[string]interface{}) error {
	if s == nil || s.db == nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return forgeerrors.IOError("marshal report details", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detailed_reports (started_at, duration_seconds, changed_assets, errored, details) VALUES ($1, $2, $3, $4, $5)`,
		startedAt, duration.Seconds(), changedAssets, errored, raw,
	)
	if s.log != nil {
		s.log.LogReportQuery(ctx, "insert detailed_reports", time.Since(start), err)
	}
	if err != nil {
		return forgeerrors.IOError("save detailed report", err)
	}
	return nil
}

// Recent returns the most recent n reports, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]DetailedReport, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var reports []DetailedReport
	start := time.Now()
	err := s.db.SelectContext(ctx, &reports,
		`SELECT id, started_at, duration_seconds, changed_assets, errored, details FROM detailed_reports ORDER BY started_at DESC LIMIT $1`, n)
	if s.log != nil {
		s.log.LogReportQuery(ctx, "select detailed_reports", time.Since(start), err)
	}
	if err != nil {
		return nil, forgeerrors.IOError("list detailed reports", err)
	}
	return reports, nil
}
