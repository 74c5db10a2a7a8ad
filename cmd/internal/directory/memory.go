package directory

import (
	"context"
	"strings"
	"sync"
)

// InMemoryDirectory is a seedable Directory used when no DB is configured and in tests.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryDirectory constructs an empty in-memory directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		users: make(map[string]User),
	}
}

// Put inserts or replaces a user record.
func (d *InMemoryDirectory) Put(u User) {
	if strings.TrimSpace(u.ID) == "" {
		return
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// Lookup returns the user record for userID.
func (d *InMemoryDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, NotFoundError{Op: "directory.Lookup"}
	}

	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()

	if !ok {
		return User{}, NotFoundError{Op: "directory.Lookup", UserID: userID}
	}
	return u, nil
}

// OpenDirectory accepts any non-blank user id by synthesizing a record.
// It backs dev mode, where no user registry exists to validate against.
type OpenDirectory struct{}

// Lookup returns a synthetic record for any non-blank userID.
func (OpenDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, NotFoundError{Op: "directory.Lookup"}
	}
	return User{ID: userID, DisplayName: userID}, nil
}
