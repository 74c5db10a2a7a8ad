package chatapi

import "time"

// createGroupRequest mirrors the group creation form.
type createGroupRequest struct {
	Title   string   `json:"title"`
	Admin   string   `json:"admin"`
	Members []string `json:"members"`
	Photo   string   `json:"photo"`
}

// addMemberRequest appends members to an existing group.
type addMemberRequest struct {
	GroupID   string   `json:"group_id"`
	MemberIDs []string `json:"member_ids"`
}

// groupResponse is the API shape of a group record.
type groupResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Admin     string    `json:"admin"`
	Members   []string  `json:"members"`
	Photo     string    `json:"photo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// messageResponse is the API shape of a persisted direct message.
type messageResponse struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"created_at"`
}

// groupMessageResponse is the API shape of a group log entry.
type groupMessageResponse struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// contactResponse is one distinct chat partner.
type contactResponse struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// historyResponse is a paginated window of direct messages.
type historyResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// groupHistoryResponse is a paginated window of group messages.
type groupHistoryResponse struct {
	Messages []groupMessageResponse `json:"messages"`
	HasMore  bool                   `json:"has_more"`
}
