package pgpackages

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

const selectPackages = `
SELECT
  p.id, p.tracking_number, p.courier, p.service,
  p.source_email_uid, p.source_email_subject, p.source_email_from, p.source_email_date,
  p.created_at,
  ls.id, ls.status, ls.description, ls.last_known_location, ls.estimated_arrival, ls.checked_at
FROM packages p
LEFT JOIN LATERAL (
  SELECT id, status, description, last_known_location, estimated_arrival, checked_at
  FROM package_status
  WHERE package_id = p.id
  ORDER BY id DESC
  LIMIT 1
) ls ON true
`

// InsertPackage stores a newly discovered package. A tracking number that is
// already known is left untouched and reported as (false, nil).
func (s *Storage) InsertPackage(ctx context.Context, p models.NewPackage) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO packages (
  tracking_number, courier, service,
  source_email_uid, source_email_subject, source_email_from, source_email_date,
  created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (tracking_number) DO NOTHING
`, p.TrackingNumber, string(p.Courier), p.Service,
		int64(p.SourceEmailUID), p.SourceEmailSubject, p.SourceEmailFrom, p.SourceEmailDate.UTC(),
		time.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert package")
	}
	return tag.RowsAffected() == 1, nil
}

// ListActivePackages returns every package whose latest status is not delivered,
// including packages that were never checked.
func (s *Storage) ListActivePackages(ctx context.Context) ([]*models.Package, error) {
	rows, err := s.db.Query(ctx, selectPackages+`
WHERE COALESCE(ls.status, 'waiting') <> 'delivered'
ORDER BY p.id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select active packages")
	}
	return collectPackages(rows)
}

func (s *Storage) ListPackages(ctx context.Context, limit, offset int) ([]*models.Package, error) {
	limit, offset = storage.ClampLimit(limit, offset)
	rows, err := s.db.Query(ctx, selectPackages+`
ORDER BY p.id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	return collectPackages(rows)
}

func (s *Storage) GetPackage(ctx context.Context, id uint64) (*models.Package, error) {
	rows, err := s.db.Query(ctx, selectPackages+`WHERE p.id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	out, err := collectPackages(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out[0], nil
}

func collectPackages(rows pgx.Rows) ([]*models.Package, error) {
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		var (
			p       models.Package
			courier string
			uid     int64

			evID        *int64
			evStatus    *string
			evDesc      *string
			evLocation  *string
			evETA       *string
			evCheckedAt *time.Time
		)
		if err := rows.Scan(
			&p.ID, &p.TrackingNumber, &courier, &p.Service,
			&uid, &p.SourceEmailSubject, &p.SourceEmailFrom, &p.SourceEmailDate,
			&p.CreatedAt,
			&evID, &evStatus, &evDesc, &evLocation, &evETA, &evCheckedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		p.Courier = models.Courier(courier)
		p.SourceEmailUID = uint32(uid)
		if evID != nil {
			p.Latest = &models.StatusEvent{
				ID:                uint64(*evID),
				PackageID:         p.ID,
				Status:            models.Status(*evStatus),
				Description:       evDesc,
				LastKnownLocation: evLocation,
				EstimatedArrival:  evETA,
				CheckedAt:         *evCheckedAt,
			}
		}
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
