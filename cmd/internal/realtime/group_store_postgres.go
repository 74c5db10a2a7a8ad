package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGroupStore is a GroupStore backed by PostgreSQL.
//
// The group message log lives in its own table; AppendMessage is a single
// INSERT guarded by a foreign-key-style existence check, so concurrent senders
// cannot lose entries the way a read-modify-write of an embedded array can.
//
// Ownership model:
// - PostgresGroupStore does NOT own the pgx pool. The caller must close the pool.
type PostgresGroupStore struct {
	pool   *pgxpool.Pool
	schema string
}

// GroupStoreOption configures PostgresGroupStore behavior.
type GroupStoreOption func(*PostgresGroupStore) error

// WithGroupSchema sets the DB schema used by the group store (default: "relay").
func WithGroupSchema(schema string) GroupStoreOption {
	return func(s *PostgresGroupStore) error {
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

// NewPostgresGroupStore constructs a Postgres-backed GroupStore.
func NewPostgresGroupStore(pool *pgxpool.Pool, opts ...GroupStoreOption) (*PostgresGroupStore, error) {
	st := &PostgresGroupStore{
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
func (s *PostgresGroupStore) Close() error { return nil }

// Create persists a new group and its initial member set.
func (s *PostgresGroupStore) Create(ctx context.Context, in CreateGroupInput) (Group, error) {
	if s == nil || s.pool == nil {
		return Group{}, errors.New("realtime: nil store")
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Admin) == "" {
		return Group{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewGroupID(now)
	if err != nil {
		return Group{}, fmt.Errorf("group id: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Group{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "group_members")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+groups+` (id, title, admin, photo, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.Title, in.Admin, in.Photo, now,
	); err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}

	memberSet := dedupeMembers(in.Members)
	for _, m := range memberSet {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (group_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (group_id, user_id) DO NOTHING`,
			id, m,
		); err != nil {
			return Group{}, fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Group{}, err
	}

	return Group{
		ID:        id,
		Title:     in.Title,
		Admin:     in.Admin,
		Members:   memberSet,
		Photo:     in.Photo,
		CreatedAt: now,
	}, nil
}

// Get returns the group record, member set included.
func (s *PostgresGroupStore) Get(ctx context.Context, groupID string) (Group, error) {
	if s == nil || s.pool == nil {
		return Group{}, errors.New("realtime: nil store")
	}
	if groupID == "" {
		return Group{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	groups := pgIdent(s.schema, "groups")

	var g Group
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, admin, photo, created_at FROM `+groups+` WHERE id = $1`,
		groupID,
	).Scan(&g.ID, &g.Title, &g.Admin, &g.Photo, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}

	g.Members, err = s.readMembers(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// AddMembers appends member ids to the group's member set.
func (s *PostgresGroupStore) AddMembers(ctx context.Context, groupID string, memberIDs []string) (Group, error) {
	if s == nil || s.pool == nil {
		return Group{}, errors.New("realtime: nil store")
	}
	if groupID == "" {
		return Group{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	// Existence check first so an unknown group is a clean not-found.
	if _, err := s.Get(ctx, groupID); err != nil {
		return Group{}, err
	}

	members := pgIdent(s.schema, "group_members")

	for _, m := range dedupeMembers(memberIDs) {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO `+members+` (group_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (group_id, user_id) DO NOTHING`,
			groupID, m,
		); err != nil {
			return Group{}, fmt.Errorf("insert member: %w", err)
		}
	}

	return s.Get(ctx, groupID)
}

// AppendMessage atomically appends one entry to the group's message log.
func (s *PostgresGroupStore) AppendMessage(ctx context.Context, in GroupAppendInput) (GroupMessage, error) {
	if s == nil || s.pool == nil {
		return GroupMessage{}, errors.New("realtime: nil store")
	}
	if in.GroupID == "" || in.Sender == "" || in.Text == "" {
		return GroupMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return GroupMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return GroupMessage{}, fmt.Errorf("message id: %w", err)
	}

	groups := pgIdent(s.schema, "groups")
	log := pgIdent(s.schema, "group_messages")

	// Single INSERT with an existence subquery: unknown group inserts zero
	// rows and aborts with no side effect.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+log+` (id, group_id, sender, text, created_at)
		 SELECT $1, $2, $3, $4, $5
		  WHERE EXISTS (SELECT 1 FROM `+groups+` WHERE id = $2)`,
		id, in.GroupID, in.Sender, in.Text, now,
	)
	if err != nil {
		return GroupMessage{}, fmt.Errorf("insert group message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return GroupMessage{}, ErrGroupNotFound
	}

	return GroupMessage{
		ID:        id,
		GroupID:   in.GroupID,
		Sender:    in.Sender,
		Text:      in.Text,
		CreatedAt: now,
	}, nil
}

// Messages returns the group's log ordered by id ASC, with optional paging by AfterID.
func (s *PostgresGroupStore) Messages(ctx context.Context, in GroupHistoryInput) (GroupHistoryResult, error) {
	if s == nil || s.pool == nil {
		return GroupHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.GroupID == "" {
		return GroupHistoryResult{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return GroupHistoryResult{}, err
	}

	if _, err := s.Get(ctx, in.GroupID); err != nil {
		return GroupHistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	log := pgIdent(s.schema, "group_messages")

	var (
		rows pgx.Rows
		err  error
	)

	if strings.TrimSpace(in.AfterID) == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, group_id, sender, text, created_at
			   FROM `+log+`
			  WHERE group_id = $1
			  ORDER BY id ASC
			  LIMIT $2`,
			in.GroupID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, group_id, sender, text, created_at
			   FROM `+log+`
			  WHERE group_id = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`,
			in.GroupID, in.AfterID, fetch,
		)
	}
	if err != nil {
		return GroupHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]GroupMessage, 0, fetch)
	for rows.Next() {
		var m GroupMessage
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return GroupHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return GroupHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return GroupHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ListForUser returns groups where userID is the admin or a listed member.
func (s *PostgresGroupStore) ListForUser(ctx context.Context, userID string) ([]Group, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "group_members")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT g.id, g.title, g.admin, g.photo, g.created_at
		   FROM `+groups+` g
		   LEFT JOIN `+members+` m ON m.group_id = g.id
		  WHERE g.admin = $1 OR m.user_id = $1
		  ORDER BY g.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.Admin, &g.Photo, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Members, err = s.readMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsMember reports whether userID may act within the group.
// The admin is implicitly a member even when not listed.
func (s *PostgresGroupStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil store")
	}
	if groupID == "" || userID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "group_members")

	var admin string
	err := s.pool.QueryRow(ctx,
		`SELECT admin FROM `+groups+` WHERE id = $1`,
		groupID,
	).Scan(&admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrGroupNotFound
	}
	if err != nil {
		return false, err
	}
	if admin == userID {
		return true, nil
	}

	var one int
	err = s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresGroupStore) readMembers(ctx context.Context, groupID string) ([]string, error) {
	members := pgIdent(s.schema, "group_members")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE group_id = $1 ORDER BY user_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func dedupeMembers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
