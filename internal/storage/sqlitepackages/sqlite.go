// Package sqlitepackages is the single-file repository used for local runs and tests.
package sqlitepackages

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sqlx.DB
}

// New opens (or creates) the database at path; ":memory:" gives a private in-memory store.
func New(path string) (*Storage, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// одна коннекция: SQLite всё равно сериализует запись, а :memory: живёт только в ней
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %s", pragma)
		}
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "sqlite ping")
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tracking_number TEXT NOT NULL UNIQUE,
  courier TEXT NOT NULL,
  service TEXT NOT NULL DEFAULT '',
  source_email_uid INTEGER NOT NULL,
  source_email_subject TEXT NULL,
  source_email_from TEXT NULL,
  source_email_date TEXT NOT NULL,
  created_at TEXT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS package_status (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  status TEXT NOT NULL CHECK (status IN ('waiting', 'in_transit', 'delivered')),
  description TEXT NULL,
  last_known_location TEXT NULL,
  estimated_arrival TEXT NULL,
  checked_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_status_package_id ON package_status(package_id, id DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_status_description ON package_status(package_id, description) WHERE description IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

// Times are stored as RFC 3339 text so they sort and compare as strings.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "parse time %q", s)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
