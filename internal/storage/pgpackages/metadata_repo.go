package pgpackages

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/storage"
)

// GetLastSeenUID returns 0 when the collector has never run.
func (s *Storage) GetLastSeenUID(ctx context.Context) (uint32, error) {
	var v string
	err := s.db.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, storage.LastSeenUIDKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "select last seen uid")
	}
	uid, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse last seen uid %q", v)
	}
	return uint32(uid), nil
}

func (s *Storage) SetLastSeenUID(ctx context.Context, uid uint32) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO metadata (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, storage.LastSeenUIDKey, strconv.FormatUint(uint64(uid), 10))
	return errors.Wrap(err, "upsert last seen uid")
}
