package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerChat = 10_000
)

// InMemoryStore is the fallback MessageStore when no DB is configured.
// Messages are held per conversation key, ordered by id (ULID, creation order).
type InMemoryStore struct {
	mu    sync.Mutex
	chats map[string][]*StoredMessage
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats: make(map[string][]*StoredMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a direct message with Seen=false.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (StoredMessage, error) {
	if in.ChatID == "" || in.Sender == "" || in.Receiver == "" || in.Text == "" {
		return StoredMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return StoredMessage{}, err
	}

	msg := &StoredMessage{
		ID:        id,
		ChatID:    in.ChatID,
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Text:      in.Text,
		Seen:      false,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.chats[in.ChatID], msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerChat {
		msgs = msgs[len(msgs)-memMaxMessagesPerChat:]
	}
	s.chats[in.ChatID] = msgs

	return *msg, nil
}

// MarkSeen flips Seen on every unseen message between the two users, both
// directions. Idempotent: zero eligible rows is a no-op.
func (s *InMemoryStore) MarkSeen(ctx context.Context, userID, conversationWith string) (int64, error) {
	if userID == "" || conversationWith == "" {
		return 0, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, msgs := range s.chats {
		for _, m := range msgs {
			if m.Seen {
				continue
			}
			if (m.Sender == userID && m.Receiver == conversationWith) ||
				(m.Sender == conversationWith && m.Receiver == userID) {
				m.Seen = true
				n++
			}
		}
	}
	return n, nil
}

// HistoryByChatID returns messages ordered by id ASC with paging via AfterID.
func (s *InMemoryStore) HistoryByChatID(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.ChatID == "" {
		return HistoryResult{}, errors.New("missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	var snap []StoredMessage
	for _, m := range s.chats[in.ChatID] {
		snap = append(snap, *m)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return HistoryResult{}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	start := 0
	if after := strings.TrimSpace(in.AfterID); after != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after })
		if start >= len(snap) {
			return HistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

// Contacts returns the distinct receivers of messages userID has sent.
func (s *InMemoryStore) Contacts(ctx context.Context, userID string) ([]Contact, error) {
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	seen := make(map[string]string) // receiver -> chatID
	for _, msgs := range s.chats {
		for _, m := range msgs {
			if m.Sender == userID {
				seen[m.Receiver] = m.ChatID
			}
		}
	}
	s.mu.Unlock()

	out := make([]Contact, 0, len(seen))
	for id, chatID := range seen {
		out = append(out, Contact{UserID: id, ChatID: chatID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
