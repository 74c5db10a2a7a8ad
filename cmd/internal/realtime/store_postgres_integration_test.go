package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when RELAY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_AppendAndHistory(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chatID := "it-" + NewRandomHex(8)
	base := time.Now().UTC()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := store.Append(ctx, AppendInput{
			ChatID:   chatID,
			Sender:   "alice",
			Receiver: "bob",
			Text:     fmt.Sprintf("msg-%d", i),
			Now:      base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seen {
			t.Fatalf("append %d: new message must be unseen", i)
		}
		ids = append(ids, m.ID)
	}

	first, err := store.HistoryByChatID(ctx, HistoryInput{ChatID: chatID, Limit: 2})
	if err != nil {
		t.Fatalf("history page 1: %v", err)
	}
	if len(first.Messages) != 2 || !first.HasMore {
		t.Fatalf("page 1: got %d has_more=%v, want 2/true", len(first.Messages), first.HasMore)
	}
	if first.Messages[0].ID != ids[0] || first.Messages[1].ID != ids[1] {
		t.Fatal("page 1 must be ordered by id ASC from the start")
	}

	second, err := store.HistoryByChatID(ctx, HistoryInput{ChatID: chatID, AfterID: ids[1], Limit: 10})
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(second.Messages) != 3 || second.HasMore {
		t.Fatalf("page 2: got %d has_more=%v, want 3/false", len(second.Messages), second.HasMore)
	}
	if second.Messages[0].ID != ids[2] {
		t.Fatal("page 2 must resume after the cursor")
	}
}

func TestPostgresStore_MarkSeenBothDirections(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chatID := "it-" + NewRandomHex(8)
	base := time.Now().UTC()

	mustAppendDirect(t, store, chatID, "alice", "bob", "one", base)
	mustAppendDirect(t, store, chatID, "bob", "alice", "two", base.Add(time.Millisecond))
	mustAppendDirect(t, store, "it-other-"+NewRandomHex(4), "carol", "alice", "three", base.Add(2*time.Millisecond))

	n, err := store.MarkSeen(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if n != 2 {
		t.Fatalf("MarkSeen updated %d rows, want 2", n)
	}

	n, err = store.MarkSeen(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("mark seen again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second MarkSeen updated %d rows, want 0", n)
	}

	out, err := store.HistoryByChatID(ctx, HistoryInput{ChatID: chatID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, m := range out.Messages {
		if !m.Seen {
			t.Fatalf("message %s still unseen", m.ID)
		}
	}
}

func TestPostgresStore_Contacts(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	base := time.Now().UTC()
	mustAppendDirect(t, store, "alice_bob", "alice", "bob", "one", base)
	mustAppendDirect(t, store, "alice_bob", "alice", "bob", "two", base.Add(time.Millisecond))
	mustAppendDirect(t, store, "alice_carol", "alice", "carol", "three", base.Add(2*time.Millisecond))

	contacts, err := store.Contacts(ctx, "alice")
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("got %d contacts, want 2", len(contacts))
	}
	if contacts[0].UserID != "bob" || contacts[1].UserID != "carol" {
		t.Fatalf("contacts=%v, want bob then carol", contacts)
	}
}

// ---- shared integration helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RELAY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RELAY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "relay_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	messages := pgIdent(schema, "messages")
	groups := pgIdent(schema, "groups")
	members := pgIdent(schema, "group_members")
	groupLog := pgIdent(schema, "group_messages")

	// Minimal schema required by PostgresStore and PostgresGroupStore.
	// Must remain semantically aligned with infra/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  chat_id    TEXT NOT NULL,
  sender     TEXT NOT NULL,
  receiver   TEXT NOT NULL,
  text       TEXT NOT NULL,
  seen       BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id_asc
  ON %s (chat_id, id ASC);

CREATE INDEX IF NOT EXISTS idx_messages_sender_receiver
  ON %s (sender, receiver) WHERE seen = false;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  title      TEXT NOT NULL,
  admin      TEXT NOT NULL,
  photo      TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  group_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id  TEXT NOT NULL,

  PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  group_id   TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender     TEXT NOT NULL,
  text       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_group_messages_group_id_asc
  ON %s (group_id, id ASC);
`, messages, messages, messages, groups, members, groups, groupLog, groups, groupLog)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
