package billing

import (
	"context"
	"time"

	"worktally/internal/core/tenant"
	"worktally/internal/core/types"
)

// Summary is the billing overview shown to a tenant.
type Summary struct {
	TenantID           string      `json:"tenant_id"`
	Plan               PlanTier    `json:"plan"`
	Status             Status      `json:"status"`
	UserLimit          *int        `json:"user_limit"`
	ActiveUsers        int         `json:"active_users"`
	AvailableSeats     *int        `json:"available_seats"`
	Addons             AddonSet    `json:"addons"`
	Features           []string    `json:"features"`
	Currency           string      `json:"currency"`
	PricePerUser       types.Money `json:"price_per_user"`
	MonthlyTotal       types.Money `json:"monthly_total"`
	TrialEndsAt        *time.Time  `json:"trial_ends_at,omitempty"`
	NextRenewalAt      *time.Time  `json:"next_renewal_at,omitempty"`
	GracePeriodUntil   *time.Time  `json:"grace_period_until,omitempty"`
	PendingPlan        *PlanTier   `json:"pending_plan,omitempty"`
	PendingUserLimit   *int        `json:"pending_user_limit,omitempty"`
	CanCancelDowngrade bool        `json:"can_cancel_downgrade"`
}

// Summary reports plan, pricing, features and license usage for tc.
func (s *Service) Summary(ctx context.Context, tc *tenant.Context) (*Summary, error) {
	sub, err := s.Get(ctx, tc.ID())
	if err != nil {
		return nil, err
	}
	active, err := s.countSeats(ctx, tc)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		TenantID:         sub.TenantID,
		Plan:             sub.Plan,
		Status:           sub.Status,
		UserLimit:        cloneInt(sub.UserLimit),
		ActiveUsers:      active,
		Addons:           sub.Entitlement().Addons,
		Features:         sub.Plan.Features(),
		Currency:         s.catalog.Currency,
		PricePerUser:     s.catalog.PricePerUser(sub.Plan),
		MonthlyTotal:     s.catalog.MonthlyTotal(sub.Entitlement(), BillableSeats(sub.UserLimit, active)),
		TrialEndsAt:      cloneTime(sub.TrialEndsAt),
		NextRenewalAt:    cloneTime(sub.NextRenewalAt),
		GracePeriodUntil: cloneTime(sub.GracePeriodUntil),
		PendingPlan:      sub.PendingPlan,
		PendingUserLimit: cloneInt(sub.PendingUserLimit),
	}
	if sub.UserLimit != nil {
		out.AvailableSeats = intPtr(max(*sub.UserLimit-active, 0))
	}
	if out.Addons == nil {
		out.Addons = AddonSet{}
	}
	out.CanCancelDowngrade = sub.HasPendingChange() && CanCancelScheduledDowngrade(sub.NextRenewalAt, s.clock())
	return out, nil
}
