package billing

import (
	"fmt"
	"time"

	"worktally/internal/core/apperror"
)

// StarterSeatCap is the fixed seat count of the starter plan.
const StarterSeatCap = 2

// DowngradeCancelWindow is how long before renewal a scheduled downgrade
// stops being cancellable.
const DowngradeCancelWindow = 24 * time.Hour

// Renewal failure handling.
const (
	GracePeriod        = 7 * 24 * time.Hour
	MaxRenewalAttempts = 3
)

// TargetSeatsForPlanChange resolves the seat limit after moving sub to plan.
// Starter on either side means the starter cap; otherwise a plan change keeps
// the purchased seats.
func TargetSeatsForPlanChange(sub *Subscription, plan PlanTier) *int {
	if plan == PlanStarter || sub.Plan == PlanStarter {
		return intPtr(StarterSeatCap)
	}
	return cloneInt(sub.UserLimit)
}

// BillableSeats is the seat count a limit is priced at. Unlimited plans are
// billed per active user, at least one.
func BillableSeats(limit *int, activeUsers int) int {
	if limit != nil {
		return *limit
	}
	return max(activeUsers, 1)
}

// CanCancelScheduledDowngrade reports whether a scheduled downgrade may still
// be withdrawn at now.
func CanCancelScheduledDowngrade(nextRenewal *time.Time, now time.Time) bool {
	if nextRenewal == nil {
		return true
	}
	return nextRenewal.Sub(now) >= DowngradeCancelWindow
}

// ValidateSeatLimit checks that plan with limit can hold activeUsers.
func ValidateSeatLimit(plan PlanTier, limit *int, activeUsers int) error {
	if plan == PlanStarter {
		if activeUsers > StarterSeatCap {
			return apperror.NewLicenseLimitExceeded(StarterSeatCap, activeUsers)
		}
		return nil
	}
	if limit == nil {
		return nil
	}
	if *limit < 1 {
		return apperror.NewValidation(fmt.Sprintf("user limit must be at least 1, got %d", *limit)).
			WithDetail("field", "user_limit")
	}
	if *limit < activeUsers {
		return apperror.NewLicenseLimitExceeded(*limit, activeUsers)
	}
	return nil
}

// NextCycle returns the renewal after from.
func NextCycle(from time.Time) time.Time {
	return from.AddDate(0, 1, 0)
}
