package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted direct-message representation.
// Immutable after append except for the Seen flag.
type StoredMessage struct {
	ID        string
	ChatID    string
	Sender    string
	Receiver  string
	Text      string
	Seen      bool
	CreatedAt time.Time
}

// Contact is a distinct chat partner derived from a user's sent messages.
type Contact struct {
	UserID string
	ChatID string
}

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - Append writes exactly one record with Seen=false.
//   - MarkSeen is a bulk, idempotent set operation scoped to one pair, both directions.
//   - History is ordered by id ASC (ids are ULIDs, so id order is creation order).
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (StoredMessage, error)
	MarkSeen(ctx context.Context, userID, conversationWith string) (int64, error)
	HistoryByChatID(ctx context.Context, in HistoryInput) (HistoryResult, error)
	Contacts(ctx context.Context, userID string) ([]Contact, error)
	Close() error
}

// AppendInput describes a direct-message append request.
type AppendInput struct {
	ChatID   string
	Sender   string
	Receiver string
	Text     string
	Now      time.Time
}

// HistoryInput describes a history query request. AfterID pages past a
// previously seen message id.
type HistoryInput struct {
	ChatID  string
	AfterID string
	Limit   int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}
