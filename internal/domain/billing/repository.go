package billing

import (
	"context"
	"errors"
	"time"

	"worktally/internal/core/tenant"
)

// Repository errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrVersionConflict      = errors.New("subscription version conflict")
)

// SubscriptionRepository stores subscriptions in the central database.
// Implementations join the transaction carried by ctx.
type SubscriptionRepository interface {
	GetByTenantID(ctx context.Context, tenantID string) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	// Update writes sub if its Version still matches the stored row, then
	// increments sub.Version. A mismatch returns ErrVersionConflict.
	Update(ctx context.Context, sub *Subscription) error
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

// SeatCounter counts active users in a tenant database.
type SeatCounter interface {
	CountActiveUsers(ctx context.Context, tc *tenant.Context) (int, error)
}

// SeatCounterFunc adapts a function to SeatCounter.
type SeatCounterFunc func(ctx context.Context, tc *tenant.Context) (int, error)

// CountActiveUsers calls f.
func (f SeatCounterFunc) CountActiveUsers(ctx context.Context, tc *tenant.Context) (int, error) {
	return f(ctx, tc)
}

// LicenseRepository keeps tenant_licenses and the legacy tenants.plan mirror
// in step with the subscription.
type LicenseRepository interface {
	Sync(ctx context.Context, l *TenantLicense) error
	GetByTenantID(ctx context.Context, tenantID string) (*TenantLicense, error)
}

// Auditor records field-level changes in the caller's transaction.
type Auditor interface {
	RecordChange(ctx context.Context, tenantID, entityType, entityID, action string, before, after any) error
}
