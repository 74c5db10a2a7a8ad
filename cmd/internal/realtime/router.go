package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "relay/contracts/chat/v1"
)

// ErrInvalidSend is returned when a send event is missing required fields.
var ErrInvalidSend = errors.New("realtime: invalid send event")

// Router validates, persists, and fans out messages. It is the only writer of
// message records on the send path.
//
// Shared resource policy: the router reads the presence table but never
// mutates it; presence writes belong to the gateway alone.
type Router struct {
	log      *slog.Logger
	store    MessageStore
	groups   GroupStore
	presence *Presence
	hub      *Hub
	metrics  *Metrics
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store MessageStore, groups GroupStore, presence *Presence, hub *Hub, metrics *Metrics) *Router {
	return &Router{
		log:      log,
		store:    store,
		groups:   groups,
		presence: presence,
		hub:      hub,
		metrics:  metrics,
	}
}

// DirectSendInput describes one direct send event.
type DirectSendInput struct {
	ChatID   string
	Sender   string
	Receiver string
	Text     string
	Now      time.Time
}

// DirectSendResult reports the persisted record and whether a live push happened.
type DirectSendResult struct {
	Stored    StoredMessage
	Delivered bool
}

// SendDirect persists a direct message and pushes it to the receiver if online.
//
// The store is the guaranteed path; the live push is a latency optimization
// with at-most-once semantics. An offline receiver gets no retry; clients
// pull history on reconnect.
func (r *Router) SendDirect(ctx context.Context, in DirectSendInput) (DirectSendResult, error) {
	text := strings.TrimSpace(in.Text)
	if in.ChatID == "" || in.Sender == "" || in.Receiver == "" || text == "" {
		r.metrics.EventsRejected.Inc()
		return DirectSendResult{}, ErrInvalidSend
	}
	if len([]rune(text)) > maxMessageChars {
		r.metrics.EventsRejected.Inc()
		return DirectSendResult{}, fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidSend, maxMessageChars)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	stored, err := r.store.Append(ctx, AppendInput{
		ChatID:   in.ChatID,
		Sender:   in.Sender,
		Receiver: in.Receiver,
		Text:     text,
		Now:      now,
	})
	if err != nil {
		return DirectSendResult{}, fmt.Errorf("store append: %w", err)
	}
	r.metrics.MessagesPersisted.WithLabelValues(kindDirect).Inc()

	payload, _ := json.Marshal(v1.ReceiveMessagePayload{
		MessageID: stored.ID,
		ChatID:    stored.ChatID,
		Sender:    stored.Sender,
		Receiver:  stored.Receiver,
		Text:      stored.Text,
		Seen:      stored.Seen,
		CreatedAt: stored.CreatedAt,
	})
	env := NewEnvelope(v1.TypeReceiveMessage, payload, now)

	delivered := false
	if receiver, ok := r.presence.Lookup(in.Receiver); ok {
		delivered = receiver.TryEnqueue(env)
	}

	if delivered {
		r.metrics.MessagesDelivered.WithLabelValues(kindDirect).Inc()
	} else {
		// Recipient offline or backpressured: store-only path, no retry.
		r.metrics.DeliveriesSkipped.WithLabelValues(kindDirect).Inc()
	}

	r.log.Info("router.direct",
		"chat_id", stored.ChatID,
		"sender", stored.Sender,
		"receiver", stored.Receiver,
		"message_id", stored.ID,
		"delivered", delivered,
	)

	return DirectSendResult{Stored: stored, Delivered: delivered}, nil
}

// GroupSendInput describes one group send event.
type GroupSendInput struct {
	GroupID string
	Sender  string
	Text    string
	Now     time.Time
}

// GroupSendResult reports the appended record and the live fan-out width.
type GroupSendResult struct {
	Stored     GroupMessage
	Recipients int
}

// SendGroup appends to the group's persisted log and fans out to every
// connection bound to the group channel, the sender's included.
//
// Delivery is not filtered by verified membership: binding to the channel is
// the only subscription criterion (membership can be enforced at bind time by
// the gateway's membership knob).
func (r *Router) SendGroup(ctx context.Context, in GroupSendInput) (GroupSendResult, error) {
	text := strings.TrimSpace(in.Text)
	if in.GroupID == "" || in.Sender == "" || text == "" {
		r.metrics.EventsRejected.Inc()
		return GroupSendResult{}, ErrInvalidSend
	}
	if len([]rune(text)) > maxMessageChars {
		r.metrics.EventsRejected.Inc()
		return GroupSendResult{}, fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidSend, maxMessageChars)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// AppendMessage resolves the group itself; an unknown group aborts with no
	// side effect (ErrGroupNotFound).
	stored, err := r.groups.AppendMessage(ctx, GroupAppendInput{
		GroupID: in.GroupID,
		Sender:  in.Sender,
		Text:    text,
		Now:     now,
	})
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			r.metrics.EventsRejected.Inc()
		}
		return GroupSendResult{}, fmt.Errorf("group append: %w", err)
	}
	r.metrics.MessagesPersisted.WithLabelValues(kindGroup).Inc()

	payload, _ := json.Marshal(v1.ReceiveGroupMessagePayload{
		MessageID: stored.ID,
		GroupID:   stored.GroupID,
		Sender:    stored.Sender,
		Text:      stored.Text,
		CreatedAt: stored.CreatedAt,
	})
	env := NewEnvelope(v1.TypeReceiveGroupMessage, payload, now)

	recipients := 0
	if ch, ok := r.hub.Get(in.GroupID); ok {
		recipients = ch.Broadcast(env)
	}
	if recipients > 0 {
		r.metrics.MessagesDelivered.WithLabelValues(kindGroup).Add(float64(recipients))
	} else {
		r.metrics.DeliveriesSkipped.WithLabelValues(kindGroup).Inc()
	}

	r.log.Info("router.group",
		"group_id", stored.GroupID,
		"sender", stored.Sender,
		"message_id", stored.ID,
		"recipients", recipients,
	)

	return GroupSendResult{Stored: stored, Recipients: recipients}, nil
}

// MarkSeen bulk-acknowledges the direct conversation between userID and
// conversationWith. Set semantics, idempotent, no delivery side effect.
func (r *Router) MarkSeen(ctx context.Context, userID, conversationWith string) error {
	if userID == "" || conversationWith == "" {
		r.metrics.EventsRejected.Inc()
		return ErrInvalidSend
	}

	n, err := r.store.MarkSeen(ctx, userID, conversationWith)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}

	r.log.Info("router.mark_seen", "user_id", userID, "conversation_with", conversationWith, "updated", n)
	return nil
}

// NewEnvelope wraps a payload into a v1 envelope with a fresh ULID id.
func NewEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = NewRandomHex(10)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
