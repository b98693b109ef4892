// Package auth_repo provides PostgreSQL implementations for auth stores.
// A store is bound to one database: the routed tenant database or the central one.
package auth_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	"worktally/internal/infrastructure/storage/postgres"
)

// TokenStore implements auth.Store.
type TokenStore struct {
	q postgres.Querier
}

// NewTokenStore creates a store over q.
func NewTokenStore(q postgres.Querier) *TokenStore {
	return &TokenStore{q: q}
}

// Factory binds TokenStores to routed databases.
func Factory(db tenant.DB) auth.Store {
	return NewTokenStore(db)
}

const tokenColumns = `id::text AS id, user_id::text AS user_id, name, token_hash, abilities, last_used_at, expires_at, created_at`

// FindToken retrieves a token by ID.
func (s *TokenStore) FindToken(ctx context.Context, tokenID string) (*auth.PersonalAccessToken, error) {
	var t auth.PersonalAccessToken
	err := pgxscan.Get(ctx, s.q, &t,
		`SELECT `+tokenColumns+` FROM personal_access_tokens WHERE id::text = $1`, tokenID)
	if err != nil {
		return nil, notFound(err, "find token")
	}
	return &t, nil
}

// FindTokenByHash retrieves a token by secret hash.
func (s *TokenStore) FindTokenByHash(ctx context.Context, hash string) (*auth.PersonalAccessToken, error) {
	var t auth.PersonalAccessToken
	err := pgxscan.Get(ctx, s.q, &t,
		`SELECT `+tokenColumns+` FROM personal_access_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return nil, notFound(err, "find token by hash")
	}
	return &t, nil
}

// TouchToken records token usage.
func (s *TokenStore) TouchToken(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE personal_access_tokens SET last_used_at = $2 WHERE id::text = $1`, tokenID, at)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// CreateToken inserts a token.
func (s *TokenStore) CreateToken(ctx context.Context, t *auth.PersonalAccessToken) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO personal_access_tokens (id, user_id, name, token_hash, abilities, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, t.Name, t.TokenHash, t.Abilities, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// FindUser retrieves a user by ID.
func (s *TokenStore) FindUser(ctx context.Context, userID string) (*auth.User, error) {
	return NewUserRepo(s.q).GetByID(ctx, userID)
}

func notFound(err error, op string) error {
	if err == nil {
		return nil
	}
	if pgxscan.NotFound(err) {
		return auth.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ auth.Store = (*TokenStore)(nil)

// ErrNoQuerier is returned when a repository is used without a database.
var ErrNoQuerier = errors.New("auth_repo: nil querier")
