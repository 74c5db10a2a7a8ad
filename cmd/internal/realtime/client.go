package realtime

import (
	"sync"

	v1 "relay/contracts/chat/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - UserID is set once by the gateway on a successful join; before that the
//   connection is anonymous.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.RWMutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// SetUserID binds the connection to a user identity after a successful join.
func (c *Client) SetUserID(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the joined user identity, or "" for anonymous connections.
func (c *Client) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue offers env to the client's send queue without blocking.
// Returns false if the client is shutting down or the queue is full.
func (c *Client) TryEnqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
