// Package billingtest provides in-memory billing repositories for tests.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"worktally/internal/core/tenant"
	"worktally/internal/domain/billing"
)

// Subscriptions is an in-memory billing.SubscriptionRepository.
type Subscriptions struct {
	mu      sync.Mutex
	byID    map[string]*billing.Subscription
	Updates int
	// FailUpdate, when set, is returned by Update.
	FailUpdate error
}

// NewSubscriptions seeds a repository.
func NewSubscriptions(subs ...*billing.Subscription) *Subscriptions {
	r := &Subscriptions{byID: map[string]*billing.Subscription{}}
	for _, s := range subs {
		if s.Version == 0 {
			s.Version = 1
		}
		r.byID[s.TenantID] = s.Clone()
	}
	return r
}

func (r *Subscriptions) GetByTenantID(_ context.Context, tenantID string) (*billing.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[tenantID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.Clone(), nil
}

// Peek returns the stored value without copying.
func (r *Subscriptions) Peek(tenantID string) *billing.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[tenantID]
}

func (r *Subscriptions) Create(_ context.Context, sub *billing.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sub.TenantID]; ok {
		return billing.ErrSubscriptionExists
	}
	r.byID[sub.TenantID] = sub.Clone()
	return nil
}

func (r *Subscriptions) Update(_ context.Context, sub *billing.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpdate != nil {
		return r.FailUpdate
	}
	cur, ok := r.byID[sub.TenantID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if cur.Version != sub.Version {
		return billing.ErrVersionConflict
	}
	sub.Version++
	r.byID[sub.TenantID] = sub.Clone()
	r.Updates++
	return nil
}

func (r *Subscriptions) ListDueForRenewal(_ context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	return r.list(limit, func(s *billing.Subscription) bool {
		return s.Status.Entitled() && s.NextRenewalAt != nil && !s.NextRenewalAt.After(now)
	}), nil
}

func (r *Subscriptions) ListGraceExpired(_ context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	return r.list(limit, func(s *billing.Subscription) bool {
		return s.Status == billing.StatusPastDue && s.GracePeriodUntil != nil && !s.GracePeriodUntil.After(now)
	}), nil
}

func (r *Subscriptions) list(limit int, keep func(*billing.Subscription) bool) []*billing.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*billing.Subscription
	for _, s := range r.byID {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Licenses is an in-memory billing.LicenseRepository.
type Licenses struct {
	mu   sync.Mutex
	byID map[string]*billing.TenantLicense
}

// NewLicenses creates an empty repository.
func NewLicenses() *Licenses {
	return &Licenses{byID: map[string]*billing.TenantLicense{}}
}

func (r *Licenses) Sync(_ context.Context, l *billing.TenantLicense) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *l
	if c.UsedSeats == nil {
		if prev, ok := r.byID[l.TenantID]; ok {
			c.UsedSeats = prev.UsedSeats
		}
	}
	r.byID[l.TenantID] = &c
	return nil
}

func (r *Licenses) GetByTenantID(_ context.Context, tenantID string) (*billing.TenantLicense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[tenantID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	c := *l
	return &c, nil
}

// Seats is a fixed active-user count per tenant ID.
type Seats map[string]int

// CountActiveUsers implements billing.SeatCounter.
func (s Seats) CountActiveUsers(_ context.Context, tc *tenant.Context) (int, error) {
	return s[tc.ID()], nil
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }
