package pgpackages

import (
	"context"

	"github.com/pkg/errors"
)

// initSchema only creates what is missing; the schema itself is fixed.
func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL UNIQUE,
  courier TEXT NOT NULL,
  service TEXT NOT NULL DEFAULT '',
  source_email_uid BIGINT NOT NULL,
  source_email_subject TEXT NULL,
  source_email_from TEXT NULL,
  source_email_date TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS package_status (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  status TEXT NOT NULL CHECK (status IN ('waiting', 'in_transit', 'delivered')),
  description TEXT NULL,
  last_known_location TEXT NULL,
  estimated_arrival TEXT NULL,
  checked_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_status_package_id ON package_status(package_id, id DESC)`,
		// Одинаковое описание у одной посылки пишем один раз; NULL-описания не ограничены.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_status_description ON package_status(package_id, description) WHERE description IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
