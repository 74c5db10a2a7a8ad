package directory

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves users via the relay.users table.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by the directory (default: "relay").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return d, nil
}

// Lookup returns the user record for userID.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	if d == nil || d.pool == nil {
		return User{}, errors.New("directory: nil directory")
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, NotFoundError{Op: "directory.Lookup"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(d.schema, "users")

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name, username, photo, created_at
		   FROM `+users+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.DisplayName, &u.Username, &u.Photo, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "directory.Lookup", UserID: userID}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
