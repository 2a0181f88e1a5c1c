// Package storage holds what both repository implementations share.
package storage

import "github.com/pkg/errors"

var ErrNotFound = errors.New("not found")

const (
	// LastSeenUIDKey is the metadata key of the IMAP collector high-water mark.
	LastSeenUIDKey = "last_seen_uid"

	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ClampLimit keeps list pagination inside sane bounds.
func ClampLimit(limit, offset int) (int, int) {
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
