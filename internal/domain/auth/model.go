// Package auth authenticates API callers with personal access tokens looked
// up in the database their request was routed to.
package auth

import (
	"time"

	appctx "worktally/internal/core/context"
	"worktally/internal/core/tenant"
)

// User represents an account in a tenant database, or an operator in the central one.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	IsActive  bool      `db:"is_active" json:"isActive"`
	IsAdmin   bool      `db:"is_admin" json:"isAdmin"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// PersonalAccessToken is a long-lived API token. Only the SHA-256 of its
// secret is stored.
type PersonalAccessToken struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	Name       string     `db:"name"`
	TokenHash  string     `db:"token_hash"`
	Abilities  []string   `db:"abilities"`
	LastUsedAt *time.Time `db:"last_used_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *PersonalAccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Principal is an authenticated caller.
type Principal struct {
	User  *User
	Token *PersonalAccessToken

	// Tenant is nil for central (operator) tokens.
	Tenant *tenant.Tenant
}

// UserContext converts the principal for request-scoped logging and checks.
func (p *Principal) UserContext() *appctx.UserContext {
	uc := &appctx.UserContext{
		UserID:    p.User.ID,
		Email:     p.User.Email,
		TokenID:   p.Token.ID,
		Abilities: p.Token.Abilities,
		IsAdmin:   p.User.IsAdmin,
	}
	if p.Tenant != nil {
		uc.TenantSlug = p.Tenant.Slug
	}
	return uc
}
