package billing

import (
	"fmt"
	"slices"
	"time"

	"worktally/internal/core/apperror"
)

// Subscription is the billing state of one tenant.
// UserLimit nil means unlimited seats.
type Subscription struct {
	ID                    string     `json:"id"`
	TenantID              string     `json:"tenant_id"`
	Plan                  PlanTier   `json:"plan"`
	UserLimit             *int       `json:"user_limit"`
	Addons                AddonSet   `json:"addons"`
	Status                Status     `json:"status"`
	TrialEndsAt           *time.Time `json:"trial_ends_at,omitempty"`
	NextRenewalAt         *time.Time `json:"next_renewal_at,omitempty"`
	PendingPlan           *PlanTier  `json:"pending_plan,omitempty"`
	PendingUserLimit      *int       `json:"pending_user_limit,omitempty"`
	FailedRenewalAttempts int        `json:"failed_renewal_attempts"`
	GracePeriodUntil      *time.Time `json:"grace_period_until,omitempty"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	Version               int        `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Entitlement is the plan, seat limit and addon set a tenant pays for.
type Entitlement struct {
	Plan      PlanTier `json:"plan"`
	UserLimit *int     `json:"user_limit"`
	Addons    AddonSet `json:"addons"`
}

// Entitlement returns the current entitlement.
func (s *Subscription) Entitlement() Entitlement {
	return Entitlement{Plan: s.Plan, UserLimit: cloneInt(s.UserLimit), Addons: slices.Clone(s.Addons)}
}

// HasPendingChange reports whether a downgrade is scheduled.
func (s *Subscription) HasPendingChange() bool {
	return s.PendingPlan != nil || s.PendingUserLimit != nil
}

// Clone returns a deep copy. Service mutations work on a clone so a failed
// operation never leaves the caller's value half-updated.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.UserLimit = cloneInt(s.UserLimit)
	c.PendingUserLimit = cloneInt(s.PendingUserLimit)
	c.Addons = slices.Clone(s.Addons)
	c.TrialEndsAt = cloneTime(s.TrialEndsAt)
	c.NextRenewalAt = cloneTime(s.NextRenewalAt)
	c.GracePeriodUntil = cloneTime(s.GracePeriodUntil)
	c.CanceledAt = cloneTime(s.CanceledAt)
	if s.PendingPlan != nil {
		p := *s.PendingPlan
		c.PendingPlan = &p
	}
	return &c
}

// TransitionTo moves the subscription to next.
func (s *Subscription) TransitionTo(next Status) error {
	if s.Status == next {
		return nil
	}
	if !s.Status.CanTransitionTo(next) {
		return apperror.NewInvalidPlanTransition(
			fmt.Sprintf("cannot move subscription from %s to %s", s.Status, next)).
			WithDetail("from", s.Status).
			WithDetail("to", next)
	}
	s.Status = next
	return nil
}

// SetPlan sets plan and seat limit, enforcing the starter cap.
func (s *Subscription) SetPlan(plan PlanTier, limit *int) {
	s.Plan = plan
	if plan == PlanStarter {
		s.UserLimit = intPtr(StarterSeatCap)
		return
	}
	s.UserLimit = cloneInt(limit)
}

// ApplyEntitlement replaces plan, seats and addons and clears any scheduled
// downgrade.
func (s *Subscription) ApplyEntitlement(e Entitlement) {
	s.SetPlan(e.Plan, e.UserLimit)
	s.Addons = NewAddonSet(e.Addons...)
	s.clearPending()
}

func (s *Subscription) clearPending() {
	s.PendingPlan = nil
	s.PendingUserLimit = nil
}

func intPtr(v int) *int { return &v }

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
