package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"worktally/internal/domain/billing"
)

// SubscriptionLoader returns the current subscription of a tenant.
type SubscriptionLoader func(ctx context.Context, tenantID string) (*billing.Subscription, error)

type planEntry struct {
	features []string
	expires  time.Time
}

// PlanFeatures answers "is feature X available to tenant T" from an
// in-process cache of plan features. Only entitled subscriptions grant
// features. Entries expire after ttl or on Invalidate.
type PlanFeatures struct {
	load SubscriptionLoader
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]planEntry
}

// NewPlanFeatures creates a provider backed by load.
func NewPlanFeatures(load SubscriptionLoader, ttl time.Duration) *PlanFeatures {
	return &PlanFeatures{load: load, ttl: ttl, now: time.Now, entries: map[string]planEntry{}}
}

// IsEnabled reports whether tenantID's plan includes feature.
func (f *PlanFeatures) IsEnabled(ctx context.Context, tenantID, feature string) (bool, error) {
	features, err := f.Features(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return slices.Contains(features, feature), nil
}

// Features returns the features available to tenantID.
func (f *PlanFeatures) Features(ctx context.Context, tenantID string) ([]string, error) {
	now := f.now()
	f.mu.RLock()
	e, ok := f.entries[tenantID]
	f.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.features, nil
	}

	sub, err := f.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var features []string
	if sub.Status.Entitled() {
		features = sub.Plan.Features()
	}

	f.mu.Lock()
	f.entries[tenantID] = planEntry{features: features, expires: now.Add(f.ttl)}
	f.mu.Unlock()
	return features, nil
}

// Invalidate drops the entry of tenantID.
func (f *PlanFeatures) Invalidate(tenantID string) {
	f.mu.Lock()
	delete(f.entries, tenantID)
	f.mu.Unlock()
}
