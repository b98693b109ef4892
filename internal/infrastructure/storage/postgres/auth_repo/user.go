package auth_repo

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"worktally/internal/domain/auth"
	"worktally/internal/infrastructure/storage/postgres"
)

// UserRepo reads users from one database.
type UserRepo struct {
	q postgres.Querier
}

// NewUserRepo creates a new user repository.
func NewUserRepo(q postgres.Querier) *UserRepo {
	return &UserRepo{q: q}
}

// GetByID retrieves user by ID.
func (r *UserRepo) GetByID(ctx context.Context, userID string) (*auth.User, error) {
	if r.q == nil {
		return nil, ErrNoQuerier
	}
	var u auth.User
	err := pgxscan.Get(ctx, r.q, &u, `
		SELECT id::text AS id, email, name, is_active, is_admin, created_at, updated_at
		FROM users
		WHERE id::text = $1
	`, userID)
	if err != nil {
		return nil, notFound(err, "get user")
	}
	return &u, nil
}

// CountActive returns the number of active users, i.e. occupied seats.
func (r *UserRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}
