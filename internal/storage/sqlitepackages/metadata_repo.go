package sqlitepackages

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/storage"
)

func (s *Storage) GetLastSeenUID(ctx context.Context) (uint32, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM metadata WHERE key = ?`, storage.LastSeenUIDKey)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value
`, storage.LastSeenUIDKey, strconv.FormatUint(uint64(uid), 10))
	return errors.Wrap(err, "upsert last seen uid")
}
