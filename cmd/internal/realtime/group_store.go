package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrGroupNotFound is returned when a group id does not resolve.
var ErrGroupNotFound = errors.New("realtime: group not found")

// Group is a durable membership record with an associated message log.
// Admin is implicitly a member for authorization even when not listed in Members.
type Group struct {
	ID        string
	Title     string
	Admin     string
	Members   []string
	Photo     string
	CreatedAt time.Time
}

// GroupMessage is one entry of a group's persisted message log.
type GroupMessage struct {
	ID        string
	GroupID   string
	Sender    string
	Text      string
	CreatedAt time.Time
}

// GroupStore persists groups and their message logs.
//
// Requirements:
//   - AppendMessage is an atomic log append: concurrent senders must not lose
//     entries (no read-modify-write of an embedded sequence).
//   - IsMember treats the admin as a member.
//   - Messages is ordered by id ASC.
type GroupStore interface {
	Create(ctx context.Context, in CreateGroupInput) (Group, error)
	Get(ctx context.Context, groupID string) (Group, error)
	AddMembers(ctx context.Context, groupID string, memberIDs []string) (Group, error)
	AppendMessage(ctx context.Context, in GroupAppendInput) (GroupMessage, error)
	Messages(ctx context.Context, in GroupHistoryInput) (GroupHistoryResult, error)
	ListForUser(ctx context.Context, userID string) ([]Group, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	Close() error
}

// CreateGroupInput describes a group creation request.
type CreateGroupInput struct {
	Title   string
	Admin   string
	Members []string
	Photo   string
	Now     time.Time
}

// GroupAppendInput describes a group-message append request.
type GroupAppendInput struct {
	GroupID string
	Sender  string
	Text    string
	Now     time.Time
}

// GroupHistoryInput describes a group history query request.
type GroupHistoryInput struct {
	GroupID string
	AfterID string
	Limit   int
}

// GroupHistoryResult contains the retrieved group history window.
type GroupHistoryResult struct {
	Messages []GroupMessage
	HasMore  bool
}
