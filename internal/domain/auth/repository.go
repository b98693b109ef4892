package auth

import (
	"context"
	"errors"
	"time"

	"worktally/internal/core/tenant"
)

// ErrNotFound is returned by stores when the row does not exist.
var ErrNotFound = errors.New("not found")

// Store reads tokens and users from exactly one database.
type Store interface {
	// FindToken retrieves a token by its ID.
	FindToken(ctx context.Context, tokenID string) (*PersonalAccessToken, error)

	// FindTokenByHash retrieves a token by the SHA-256 of its secret.
	FindTokenByHash(ctx context.Context, hash string) (*PersonalAccessToken, error)

	// FindUser retrieves a user by ID.
	FindUser(ctx context.Context, userID string) (*User, error)

	// TouchToken records token usage.
	TouchToken(ctx context.Context, tokenID string, at time.Time) error

	// CreateToken stores a new token.
	CreateToken(ctx context.Context, t *PersonalAccessToken) error
}

// StoreFactory binds a Store to a database. Every lookup goes through a Store
// created for the database the request was routed to.
type StoreFactory func(db tenant.DB) Store
