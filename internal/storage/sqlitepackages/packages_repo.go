package sqlitepackages

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

const selectPackages = `
SELECT
  p.id, p.tracking_number, p.courier, p.service,
  p.source_email_uid, p.source_email_subject, p.source_email_from, p.source_email_date,
  p.created_at,
  ls.id AS latest_id, ls.status AS latest_status, ls.description AS latest_description,
  ls.last_known_location AS latest_location, ls.estimated_arrival AS latest_eta,
  ls.checked_at AS latest_checked_at
FROM packages p
LEFT JOIN package_status ls
  ON ls.id = (SELECT MAX(id) FROM package_status WHERE package_id = p.id)
`

type packageRow struct {
	ID                 uint64         `db:"id"`
	TrackingNumber     string         `db:"tracking_number"`
	Courier            string         `db:"courier"`
	Service            string         `db:"service"`
	SourceEmailUID     int64          `db:"source_email_uid"`
	SourceEmailSubject sql.NullString `db:"source_email_subject"`
	SourceEmailFrom    sql.NullString `db:"source_email_from"`
	SourceEmailDate    string         `db:"source_email_date"`
	CreatedAt          string         `db:"created_at"`

	LatestID          sql.NullInt64  `db:"latest_id"`
	LatestStatus      sql.NullString `db:"latest_status"`
	LatestDescription sql.NullString `db:"latest_description"`
	LatestLocation    sql.NullString `db:"latest_location"`
	LatestETA         sql.NullString `db:"latest_eta"`
	LatestCheckedAt   sql.NullString `db:"latest_checked_at"`
}

func (r packageRow) toModel() (*models.Package, error) {
	p := &models.Package{
		ID:                 r.ID,
		TrackingNumber:     r.TrackingNumber,
		Courier:            models.Courier(r.Courier),
		Service:            r.Service,
		SourceEmailUID:     uint32(r.SourceEmailUID),
		SourceEmailSubject: stringPtr(r.SourceEmailSubject),
		SourceEmailFrom:    stringPtr(r.SourceEmailFrom),
	}
	var err error
	if p.SourceEmailDate, err = parseTime(r.SourceEmailDate); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if r.LatestID.Valid {
		checkedAt, err := parseTime(r.LatestCheckedAt.String)
		if err != nil {
			return nil, err
		}
		p.Latest = &models.StatusEvent{
			ID:                uint64(r.LatestID.Int64),
			PackageID:         r.ID,
			Status:            models.Status(r.LatestStatus.String),
			Description:       stringPtr(r.LatestDescription),
			LastKnownLocation: stringPtr(r.LatestLocation),
			EstimatedArrival:  stringPtr(r.LatestETA),
			CheckedAt:         checkedAt,
		}
	}
	return p, nil
}

func (s *Storage) InsertPackage(ctx context.Context, p models.NewPackage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO packages (
  tracking_number, courier, service,
  source_email_uid, source_email_subject, source_email_from, source_email_date,
  created_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tracking_number) DO NOTHING
`, p.TrackingNumber, string(p.Courier), p.Service,
		int64(p.SourceEmailUID), nullString(p.SourceEmailSubject), nullString(p.SourceEmailFrom),
		formatTime(p.SourceEmailDate), formatTime(time.Now()))
	if err != nil {
		return false, errors.Wrap(err, "insert package")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func (s *Storage) ListActivePackages(ctx context.Context) ([]*models.Package, error) {
	return s.selectPackages(ctx, selectPackages+`
WHERE COALESCE(ls.status, 'waiting') <> 'delivered'
ORDER BY p.id
`)
}

func (s *Storage) ListPackages(ctx context.Context, limit, offset int) ([]*models.Package, error) {
	limit, offset = storage.ClampLimit(limit, offset)
	return s.selectPackages(ctx, selectPackages+`
ORDER BY p.id DESC
LIMIT ? OFFSET ?
`, limit, offset)
}

func (s *Storage) GetPackage(ctx context.Context, id uint64) (*models.Package, error) {
	out, err := s.selectPackages(ctx, selectPackages+`WHERE p.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out[0], nil
}

func (s *Storage) selectPackages(ctx context.Context, query string, args ...any) ([]*models.Package, error) {
	var rows []packageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	out := make([]*models.Package, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
