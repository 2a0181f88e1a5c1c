package pgpackages

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

// AppendStatusEvent records a status sample unless it repeats the latest one.
// It returns true only when a row was written. The package row is locked for
// the duration of the transaction so concurrent writers see each other's rows.
func (s *Storage) AppendStatusEvent(ctx context.Context, in models.StatusEventInput) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM packages WHERE id = $1 FOR UPDATE`, in.PackageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, errors.Wrap(err, "lock package")
	}

	var (
		lastStatus string
		lastDesc   *string
	)
	err = tx.QueryRow(ctx, `
SELECT status, description
FROM package_status
WHERE package_id = $1
ORDER BY id DESC
LIMIT 1
`, in.PackageID).Scan(&lastStatus, &lastDesc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, errors.Wrap(err, "select latest status")
	default:
		if models.Status(lastStatus) == in.Status && models.SameDescription(lastDesc, in.Description) {
			return false, nil
		}
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO package_status (
  package_id, status, description, last_known_location, estimated_arrival, checked_at
)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (package_id, description) WHERE description IS NOT NULL DO NOTHING
`, in.PackageID, string(in.Status), in.Description, in.LastKnownLocation, in.EstimatedArrival, in.CheckedAt.UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert status")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return tag.RowsAffected() == 1, nil
}

// ListStatusEvents returns the history of one package, newest first.
func (s *Storage) ListStatusEvents(ctx context.Context, packageID uint64) ([]*models.StatusEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, package_id, status, description, last_known_location, estimated_arrival, checked_at
FROM package_status
WHERE package_id = $1
ORDER BY id DESC
`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}
	defer rows.Close()

	var out []*models.StatusEvent
	for rows.Next() {
		var e models.StatusEvent
		var status string
		if err := rows.Scan(
			&e.ID, &e.PackageID, &status, &e.Description,
			&e.LastKnownLocation, &e.EstimatedArrival, &e.CheckedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan status")
		}
		e.Status = models.Status(status)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
