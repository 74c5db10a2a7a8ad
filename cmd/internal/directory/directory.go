// Package directory is the user-directory collaborator boundary.
//
// The messaging core never owns user records; it only resolves an identity to
// an existing user (or not-found) when a connection joins.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// User is the directory's view of a user record.
type User struct {
	ID          string
	DisplayName string
	Username    *string
	Photo       *string

	CreatedAt time.Time
}

// Directory resolves user identities.
type Directory interface {
	// Lookup returns the user record for userID, or a not-found error.
	Lookup(ctx context.Context, userID string) (User, error)
}

// ErrNotFound is the sentinel for missing user records.
var ErrNotFound = errors.New("directory: user not found")

// NotFoundError reports a missing user record with the failing operation attached.
type NotFoundError struct {
	Op     string
	UserID string
}

func (e NotFoundError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.UserID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
