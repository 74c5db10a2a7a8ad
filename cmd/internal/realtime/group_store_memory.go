package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryGroupStore is the fallback GroupStore when no DB is configured.
type InMemoryGroupStore struct {
	mu     sync.Mutex
	groups map[string]*memGroup
}

type memGroup struct {
	group Group
	log   []GroupMessage // ordered by id
}

// NewInMemoryGroupStore constructs an in-memory GroupStore implementation.
func NewInMemoryGroupStore() *InMemoryGroupStore {
	return &InMemoryGroupStore{
		groups: make(map[string]*memGroup),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryGroupStore) Close() error { return nil }

// Create persists a new group record.
func (s *InMemoryGroupStore) Create(ctx context.Context, in CreateGroupInput) (Group, error) {
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
		return Group{}, err
	}

	g := Group{
		ID:        id,
		Title:     in.Title,
		Admin:     in.Admin,
		Members:   dedupeMembers(in.Members),
		Photo:     in.Photo,
		CreatedAt: now,
	}

	s.mu.Lock()
	s.groups[id] = &memGroup{group: g}
	s.mu.Unlock()

	return g, nil
}

// Get returns the group record for groupID.
func (s *InMemoryGroupStore) Get(ctx context.Context, groupID string) (Group, error) {
	if groupID == "" {
		return Group{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mg, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return cloneGroup(mg.group), nil
}

// AddMembers appends member ids to the group's member set.
func (s *InMemoryGroupStore) AddMembers(ctx context.Context, groupID string, memberIDs []string) (Group, error) {
	if groupID == "" {
		return Group{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mg, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrGroupNotFound
	}

	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || containsString(mg.group.Members, id) {
			continue
		}
		mg.group.Members = append(mg.group.Members, id)
	}
	return cloneGroup(mg.group), nil
}

// AppendMessage atomically appends one entry to the group's message log.
func (s *InMemoryGroupStore) AppendMessage(ctx context.Context, in GroupAppendInput) (GroupMessage, error) {
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
		return GroupMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mg, ok := s.groups[in.GroupID]
	if !ok {
		return GroupMessage{}, ErrGroupNotFound
	}

	msg := GroupMessage{
		ID:        id,
		GroupID:   in.GroupID,
		Sender:    in.Sender,
		Text:      in.Text,
		CreatedAt: now,
	}
	mg.log = append(mg.log, msg)

	return msg, nil
}

// Messages returns the group's log ordered by id ASC with paging via AfterID.
func (s *InMemoryGroupStore) Messages(ctx context.Context, in GroupHistoryInput) (GroupHistoryResult, error) {
	if in.GroupID == "" {
		return GroupHistoryResult{}, ErrGroupNotFound
	}
	if err := ctx.Err(); err != nil {
		return GroupHistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	mg, ok := s.groups[in.GroupID]
	var snap []GroupMessage
	if ok {
		snap = append(snap, mg.log...)
	}
	s.mu.Unlock()

	if !ok {
		return GroupHistoryResult{}, ErrGroupNotFound
	}
	if len(snap) == 0 {
		return GroupHistoryResult{}, nil
	}

	start := 0
	if after := strings.TrimSpace(in.AfterID); after != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after })
		if start >= len(snap) {
			return GroupHistoryResult{}, nil
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

	return GroupHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// ListForUser returns groups where userID is the admin or a listed member.
func (s *InMemoryGroupStore) ListForUser(ctx context.Context, userID string) ([]Group, error) {
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Group
	for _, mg := range s.groups {
		if mg.group.Admin == userID || containsString(mg.group.Members, userID) {
			out = append(out, cloneGroup(mg.group))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IsMember reports whether userID may act within the group.
// The admin is implicitly a member even when not listed.
func (s *InMemoryGroupStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	if groupID == "" || userID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mg, ok := s.groups[groupID]
	if !ok {
		return false, ErrGroupNotFound
	}
	return mg.group.Admin == userID || containsString(mg.group.Members, userID), nil
}

func cloneGroup(g Group) Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
