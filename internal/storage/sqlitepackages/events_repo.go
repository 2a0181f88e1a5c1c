package sqlitepackages

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

type statusRow struct {
	ID                uint64         `db:"id"`
	PackageID         uint64         `db:"package_id"`
	Status            string         `db:"status"`
	Description       sql.NullString `db:"description"`
	LastKnownLocation sql.NullString `db:"last_known_location"`
	EstimatedArrival  sql.NullString `db:"estimated_arrival"`
	CheckedAt         string         `db:"checked_at"`
}

// AppendStatusEvent mirrors the PostgreSQL repository; the single connection
// makes the read-compare-insert sequence atomic.
func (s *Storage) AppendStatusEvent(ctx context.Context, in models.StatusEventInput) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var id uint64
	err = tx.GetContext(ctx, &id, `SELECT id FROM packages WHERE id = ?`, in.PackageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, errors.Wrap(err, "select package")
	}

	var last statusRow
	err = tx.GetContext(ctx, &last, `
SELECT id, package_id, status, description, last_known_location, estimated_arrival, checked_at
FROM package_status
WHERE package_id = ?
ORDER BY id DESC
LIMIT 1
`, in.PackageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, errors.Wrap(err, "select latest status")
	default:
		if models.Status(last.Status) == in.Status && models.SameDescription(stringPtr(last.Description), in.Description) {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO package_status (
  package_id, status, description, last_known_location, estimated_arrival, checked_at
)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
`, in.PackageID, string(in.Status), nullString(in.Description),
		nullString(in.LastKnownLocation), nullString(in.EstimatedArrival), formatTime(in.CheckedAt))
	if err != nil {
		return false, errors.Wrap(err, "insert status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return n == 1, nil
}

func (s *Storage) ListStatusEvents(ctx context.Context, packageID uint64) ([]*models.StatusEvent, error) {
	var rows []statusRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT id, package_id, status, description, last_known_location, estimated_arrival, checked_at
FROM package_status
WHERE package_id = ?
ORDER BY id DESC
`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}

	out := make([]*models.StatusEvent, 0, len(rows))
	for _, r := range rows {
		checkedAt, err := parseTime(r.CheckedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.StatusEvent{
			ID:                r.ID,
			PackageID:         r.PackageID,
			Status:            models.Status(r.Status),
			Description:       stringPtr(r.Description),
			LastKnownLocation: stringPtr(r.LastKnownLocation),
			EstimatedArrival:  stringPtr(r.EstimatedArrival),
			CheckedAt:         checkedAt,
		})
	}
	return out, nil
}
