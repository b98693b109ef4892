package tenant

import (
	"context"

	"worktally/internal/core/tx"
)

// Context is the per-request tenant scope: the resolved tenant, its routed
// database and a transaction manager bound to that database. It is built once
// by the HTTP pipeline (or a job) and passed down explicitly.
type Context struct {
	Tenant    *Tenant
	TxManager tx.Manager

	handle *Handle
	db     DB
}

// NewContext binds a routed handle and its transaction manager.
func NewContext(h *Handle, txm tx.Manager) *Context {
	return &Context{Tenant: h.Tenant(), TxManager: txm, handle: h, db: h.DB()}
}

// NewStaticContext builds a Context over an arbitrary DB (tests, CLI tools).
func NewStaticContext(t *Tenant, db DB, txm tx.Manager) *Context {
	return &Context{Tenant: t, TxManager: txm, db: db}
}

// DB returns the tenant database.
func (c *Context) DB() DB { return c.db }

// ID returns the tenant ID.
func (c *Context) ID() string { return c.Tenant.ID }

// Slug returns the tenant slug.
func (c *Context) Slug() string { return c.Tenant.Slug }

// Close releases the routed handle, if any.
func (c *Context) Close() {
	if c.handle != nil {
		c.handle.Release()
	}
}

type contextKey struct{}

// WithContext stores tc in ctx.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext retrieves the tenant scope.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || tc == nil {
		return nil, ErrNoTenantContext
	}
	return tc, nil
}

// MustFromContext retrieves the tenant scope or panics.
// Use in places where a missing tenant is a programming error.
func MustFromContext(ctx context.Context) *Context {
	tc, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return tc
}
