package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "relay/contracts/chat/v1"
)

// Presence is the process-wide table of online users: user identity -> client.
//
// Ownership model:
// - The gateway is the only writer (Set/Remove). The router only reads (Lookup).
// - Entries are ephemeral: nothing is persisted, and an empty table is the
//   legitimate state after a process restart.
//
// Invariant: at most one client per user identity. A second join by the same
// user replaces the existing entry (last-join-wins); the superseded connection
// stays open but anonymous.
type Presence struct {
	log *slog.Logger

	mu     sync.RWMutex
	online map[string]*Client
}

// NewPresence constructs an empty presence table.
func NewPresence(log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:    log,
		online: make(map[string]*Client),
	}
}

// Set inserts or overwrites the entry for userID.
// Returns true when an existing entry for a different client was replaced.
func (p *Presence) Set(userID string, client *Client) bool {
	if p == nil || userID == "" || client == nil {
		return false
	}

	p.mu.Lock()
	prev, had := p.online[userID]
	p.online[userID] = client
	p.mu.Unlock()

	replaced := had && prev != client
	p.log.Info("presence.set", "user_id", userID, "session_id", client.SessionID, "replaced", replaced)
	return replaced
}

// Remove deletes the entry for userID, but only if client still owns it.
// A connection that was replaced by a newer join must not evict its successor.
func (p *Presence) Remove(userID string, client *Client) bool {
	if p == nil || userID == "" {
		return false
	}

	p.mu.Lock()
	cur, ok := p.online[userID]
	if ok && cur == client {
		delete(p.online, userID)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if ok {
		p.log.Info("presence.remove", "user_id", userID)
	}
	return ok
}

// Lookup returns the client currently registered for userID.
func (p *Presence) Lookup(userID string) (*Client, bool) {
	if p == nil || userID == "" {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.online[userID]
	return c, ok
}

// Online returns the sorted snapshot of online user identities.
func (p *Presence) Online() []string {
	if p == nil {
		return nil
	}

	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Broadcast fanouts an envelope to every online client.
// Non-blocking: slow or closing clients are skipped.
func (p *Presence) Broadcast(env v1.Envelope) {
	if p == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.online {
		c.TryEnqueue(env)
	}
}

// BroadcastExcept fanouts an envelope to every online client except userID.
func (p *Presence) BroadcastExcept(userID string, env v1.Envelope) {
	if p == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for id, c := range p.online {
		if id == userID {
			continue
		}
		c.TryEnqueue(env)
	}
}
