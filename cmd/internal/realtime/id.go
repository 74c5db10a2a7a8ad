package realtime

import (
	"time"

	"relay/cmd/internal/ids"
)

// NewSessionID returns a ULID used as the per-connection session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewGroupID returns a ULID used as a group id.
func NewGroupID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID used as a message id.
// Messages sort by id in creation order, so history paging can cursor on it.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
