package postgres

import (
	"worktally/internal/core/tenant"
)

// NewTenantContext wraps a routed handle into the per-request tenant scope,
// with a TxManager bound to the tenant database.
func NewTenantContext(h *tenant.Handle) *tenant.Context {
	return tenant.NewContext(h, NewTxManager(h.DB(), WithScope(h.Tenant().Slug)))
}
