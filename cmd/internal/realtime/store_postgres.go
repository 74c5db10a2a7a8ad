package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Append and MarkSeen are single statements; there is no multi-step
//   read-modify-write to guard, so no advisory locking is needed.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append persists a direct message with seen=false.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
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
		return StoredMessage{}, fmt.Errorf("message id: %w", err)
	}

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, chat_id, sender, receiver, text, seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6)`,
		id, in.ChatID, in.Sender, in.Receiver, in.Text, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	return StoredMessage{
		ID:        id,
		ChatID:    in.ChatID,
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Text:      in.Text,
		Seen:      false,
		CreatedAt: now,
	}, nil
}

// MarkSeen bulk-updates every unseen message between the two users, both directions.
func (s *PostgresStore) MarkSeen(ctx context.Context, userID, conversationWith string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	if userID == "" || conversationWith == "" {
		return 0, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET seen = true
		  WHERE seen = false
		    AND ((sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1))`,
		userID, conversationWith,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// HistoryByChatID returns messages ordered by id ASC, with optional paging by AfterID.
func (s *PostgresStore) HistoryByChatID(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("realtime: nil store")
	}
	if in.ChatID == "" {
		return HistoryResult{}, errors.New("missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if strings.TrimSpace(in.AfterID) == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, sender, receiver, text, seen, created_at
			   FROM `+messages+`
			  WHERE chat_id = $1
			  ORDER BY id ASC
			  LIMIT $2`,
			in.ChatID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, sender, receiver, text, seen, created_at
			   FROM `+messages+`
			  WHERE chat_id = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`,
			in.ChatID, in.AfterID, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Receiver, &m.Text, &m.Seen, &m.CreatedAt); err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// Contacts returns the distinct receivers of messages userID has sent,
// each with the most recent conversation key observed.
func (s *PostgresStore) Contacts(ctx context.Context, userID string) ([]Contact, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (receiver) receiver, chat_id
		   FROM `+messages+`
		  WHERE sender = $1
		  ORDER BY receiver ASC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.ChatID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
