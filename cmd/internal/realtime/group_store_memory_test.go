package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCreateGroup(t *testing.T, s GroupStore, title, admin string, members []string) Group {
	t.Helper()

	g, err := s.Create(context.Background(), CreateGroupInput{
		Title:   title,
		Admin:   admin,
		Members: members,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func TestInMemoryGroupStore_CreateDedupesMembers(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	g := mustCreateGroup(t, s, "team", "alice", []string{"bob", "bob", " carol ", ""})

	if g.ID == "" {
		t.Fatal("create must assign an id")
	}
	if len(g.Members) != 2 {
		t.Fatalf("members=%v, want deduped bob+carol", g.Members)
	}
}

func TestInMemoryGroupStore_CreateRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	if _, err := s.Create(context.Background(), CreateGroupInput{Admin: "alice"}); err == nil {
		t.Fatal("missing title must be rejected")
	}
	if _, err := s.Create(context.Background(), CreateGroupInput{Title: "team"}); err == nil {
		t.Fatal("missing admin must be rejected")
	}
}

func TestInMemoryGroupStore_AddMembers(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	g := mustCreateGroup(t, s, "team", "alice", []string{"bob"})

	got, err := s.AddMembers(context.Background(), g.ID, []string{"bob", "carol", ""})
	if err != nil {
		t.Fatalf("add members: %v", err)
	}
	if len(got.Members) != 2 {
		t.Fatalf("members=%v, want bob+carol", got.Members)
	}

	if _, err := s.AddMembers(context.Background(), "missing", []string{"x"}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("unknown group: got %v, want ErrGroupNotFound", err)
	}
}

func TestInMemoryGroupStore_AppendMessageUnknownGroup(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	_, err := s.AppendMessage(context.Background(), GroupAppendInput{
		GroupID: "missing",
		Sender:  "alice",
		Text:    "hello",
	})
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("got %v, want ErrGroupNotFound", err)
	}
}

func TestInMemoryGroupStore_MessagesPaging(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	g := mustCreateGroup(t, s, "team", "alice", nil)

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 4; i++ {
		m, err := s.AppendMessage(context.Background(), GroupAppendInput{
			GroupID: g.ID,
			Sender:  "alice",
			Text:    "msg",
			Now:     base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	first, err := s.Messages(context.Background(), GroupHistoryInput{GroupID: g.ID, Limit: 3})
	if err != nil {
		t.Fatalf("messages page 1: %v", err)
	}
	if len(first.Messages) != 3 || !first.HasMore {
		t.Fatalf("page 1: got %d has_more=%v, want 3/true", len(first.Messages), first.HasMore)
	}

	second, err := s.Messages(context.Background(), GroupHistoryInput{
		GroupID: g.ID,
		AfterID: first.Messages[2].ID,
	})
	if err != nil {
		t.Fatalf("messages page 2: %v", err)
	}
	if len(second.Messages) != 1 || second.HasMore {
		t.Fatalf("page 2: got %d has_more=%v, want 1/false", len(second.Messages), second.HasMore)
	}
	if second.Messages[0].ID != ids[3] {
		t.Fatal("page 2 must resume after the cursor")
	}

	if _, err := s.Messages(context.Background(), GroupHistoryInput{GroupID: "missing"}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("unknown group: got %v, want ErrGroupNotFound", err)
	}
}

func TestInMemoryGroupStore_ListForUser(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	asAdmin := mustCreateGroup(t, s, "one", "alice", []string{"bob"})
	asMember := mustCreateGroup(t, s, "two", "bob", []string{"alice"})
	mustCreateGroup(t, s, "three", "carol", []string{"dave"})

	got, err := s.ListForUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2", len(got))
	}
	seen := map[string]bool{}
	for _, g := range got {
		seen[g.ID] = true
	}
	if !seen[asAdmin.ID] || !seen[asMember.ID] {
		t.Fatal("list must include groups where the user is admin or member")
	}
}

func TestInMemoryGroupStore_IsMemberAdminImplicit(t *testing.T) {
	t.Parallel()

	s := NewInMemoryGroupStore()
	g := mustCreateGroup(t, s, "team", "alice", []string{"bob"})

	cases := []struct {
		user string
		want bool
	}{
		{user: "alice", want: true}, // admin is implicitly a member
		{user: "bob", want: true},
		{user: "mallory", want: false},
	}
	for _, tc := range cases {
		ok, err := s.IsMember(context.Background(), g.ID, tc.user)
		if err != nil {
			t.Fatalf("IsMember(%q): %v", tc.user, err)
		}
		if ok != tc.want {
			t.Fatalf("IsMember(%q)=%v want=%v", tc.user, ok, tc.want)
		}
	}

	if _, err := s.IsMember(context.Background(), "missing", "alice"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("unknown group: got %v, want ErrGroupNotFound", err)
	}
}
