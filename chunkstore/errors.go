package chunkstore

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation is returned when a write would violate the
	// (document_id, chunk_index) or anchor_key uniqueness constraints.
	// The original row is left unchanged.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrInvalidChunk is returned when a chunk fails validation before
	// any write is attempted.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrUnknownMetadataKey is returned in strict mode for metadata keys
	// outside model.KnownMetadataKeys.
	ErrUnknownMetadataKey = errors.New("unknown metadata key")

	// ErrSnapshotStale is returned when a loaded snapshot does not match
	// the current rows; the caller should rebuild from rows instead.
	ErrSnapshotStale = errors.New("snapshot stale")
)

// isUniqueViolation classifies driver errors for duplicate keys. Both the
// mattn and modernc drivers surface the SQLite message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// IsTransient reports whether a storage error is worth retrying: lock
// contention and connection-level failures, never constraint or
// validation errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConstraintViolation) || errors.Is(err, ErrInvalidChunk) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownMetadataKey) {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"database is locked",
		"database table is locked",
		"SQLITE_BUSY",
		"connection reset",
		"bad connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
