package realtime

import (
	"log/slog"
	"sync"

	v1 "relay/contracts/chat/v1"
)

// GroupChannel is an in-memory binding + broadcast fanout primitive for one group.
//
// Concurrency guarantees:
// - Bind/Unbind are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// Binding is a subscription, not a membership claim: connections are not
// validated against the Group Registry at bind time unless the gateway's
// membership enforcement knob is on.
type GroupChannel struct {
	log *slog.Logger
	ID  string

	mu    sync.RWMutex
	bound map[string]*Client
}

// NewGroupChannel constructs a group channel.
func NewGroupChannel(log *slog.Logger, id string) *GroupChannel {
	return &GroupChannel{
		log:   log,
		ID:    id,
		bound: make(map[string]*Client),
	}
}

// Bind adds a client to the channel.
func (g *GroupChannel) Bind(client *Client) {
	if g == nil || client == nil || client.SessionID == "" {
		return
	}

	g.mu.Lock()
	g.bound[client.SessionID] = client
	g.mu.Unlock()

	g.log.Info("channel.bind", "group_id", g.ID, "session_id", client.SessionID)
}

// Unbind removes a client from the channel.
func (g *GroupChannel) Unbind(sessionID string) {
	if g == nil || sessionID == "" {
		return
	}

	g.mu.Lock()
	_, ok := g.bound[sessionID]
	delete(g.bound, sessionID)
	g.mu.Unlock()

	if ok {
		g.log.Info("channel.unbind", "group_id", g.ID, "session_id", sessionID)
	}
}

// Broadcast fanouts an envelope to all bound connections, the sender's included.
// Non-blocking: if a client queue is full or the client is shutting down, it is dropped.
// Returns the number of clients the envelope was enqueued for.
func (g *GroupChannel) Broadcast(env v1.Envelope) int {
	if g == nil {
		return 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, c := range g.bound {
		if c.TryEnqueue(env) {
			n++
		}
	}
	return n
}

// BroadcastExcept fanouts an envelope to all bound connections except sessionID.
func (g *GroupChannel) BroadcastExcept(sessionID string, env v1.Envelope) int {
	if g == nil {
		return 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for sid, c := range g.bound {
		if sid == sessionID {
			continue
		}
		if c.TryEnqueue(env) {
			n++
		}
	}
	return n
}
