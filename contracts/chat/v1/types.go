// Package v1 defines the relay chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin registers the connection's user identity (client -> server).
	TypeJoin = "join"
	// TypeJoinGroup binds the connection to a group delivery channel (client -> server).
	TypeJoinGroup = "join_group"

	// TypeSendMessage requests persisting and delivering a direct message (client -> server).
	TypeSendMessage = "send_message"
	// TypeSendGroupMessage requests appending and fanning out a group message (client -> server).
	TypeSendGroupMessage = "send_group_message"

	// TypeMarkAsSeen bulk-acknowledges a direct conversation (client -> server).
	TypeMarkAsSeen = "mark_as_seen"

	// TypeUserOnline announces a newly joined user to other peers (server -> clients).
	TypeUserOnline = "user_online"
	// TypeUserOffline announces a departed user to other peers (server -> clients).
	TypeUserOffline = "user_offline"
	// TypeOnlineUsers carries the full current presence snapshot (server -> clients).
	TypeOnlineUsers = "online_users"
	// TypeUserJoinedGroup announces a group-channel bind to peers on that channel (server -> clients).
	TypeUserJoinedGroup = "user_joined_group"

	// TypeReceiveMessage delivers a persisted direct message (server -> receiver).
	TypeReceiveMessage = "receive_message"
	// TypeReceiveGroupMessage delivers a group message to every bound connection (server -> clients).
	TypeReceiveGroupMessage = "receive_group_message"

	// TypeError is a protocol-level error envelope (server -> client).
	// It is emitted only for transport problems (bad JSON, rate limit); domain
	// failures on the event path are logged server-side and never propagated.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeJoinGroup,
		TypeSendMessage,
		TypeSendGroupMessage,
		TypeMarkAsSeen,
		TypeUserOnline,
		TypeUserOffline,
		TypeOnlineUsers,
		TypeUserJoinedGroup,
		TypeReceiveMessage,
		TypeReceiveGroupMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload registers presence for a user identity.
type JoinPayload struct {
	UserID string `json:"user_id"`
}

// JoinGroupPayload binds the connection to a group channel.
type JoinGroupPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// SendMessagePayload requests a direct send.
type SendMessagePayload struct {
	ChatID   string `json:"chat_id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// SendGroupMessagePayload requests a group send.
type SendGroupMessagePayload struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// MarkAsSeenPayload bulk-acknowledges the direct conversation between two users.
type MarkAsSeenPayload struct {
	UserID           string `json:"user_id"`
	ConversationWith string `json:"conversation_with"`
}

// UserPresencePayload carries a single-user presence change (user_online / user_offline).
type UserPresencePayload struct {
	UserID string `json:"user_id"`
}

// OnlineUsersPayload carries the full presence snapshot.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// UserJoinedGroupPayload announces a group-channel bind.
type UserJoinedGroupPayload struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

// ReceiveMessagePayload is the persisted direct message as delivered to the receiver.
type ReceiveMessagePayload struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"created_at"`
}

// ReceiveGroupMessagePayload is a group message as delivered to every bound connection.
type ReceiveGroupMessagePayload struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorPayload is a protocol-level error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
