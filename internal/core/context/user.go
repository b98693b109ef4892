// Package context provides request-scoped values extraction.
package context

import (
	"context"
	"slices"
)

// UserContext contains authenticated caller information.
type UserContext struct {
	UserID     string
	TenantSlug string // empty for central (admin) callers
	Email      string
	TokenID    string
	Abilities  []string
	IsAdmin    bool
}

// IsCentral reports whether the caller was authenticated against the central database.
func (u *UserContext) IsCentral() bool {
	return u.TenantSlug == ""
}

// Can reports whether the token grants ability. "*" grants everything.
func (u *UserContext) Can(ability string) bool {
	if u.IsAdmin {
		return true
	}
	return slices.Contains(u.Abilities, "*") || slices.Contains(u.Abilities, ability)
}

type userContextKey struct{}

type tenantSlugKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// WithTenantSlug records the resolved tenant slug for logging.
// The tenant itself (and its database handle) travels in tenant.Context.
func WithTenantSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, tenantSlugKey{}, slug)
}

// GetTenantSlug returns the resolved tenant slug or empty string.
func GetTenantSlug(ctx context.Context) string {
	s, _ := ctx.Value(tenantSlugKey{}).(string)
	return s
}
