package billing

import (
	"time"

	"worktally/internal/core/types"
)

// TenantLicense is the seat view derived from a Subscription and the
// tenant's active user count.
type TenantLicense struct {
	TenantID       string      `json:"tenant_id" db:"tenant_id"`
	Plan           PlanTier    `json:"plan" db:"plan"`
	PurchasedSeats *int        `json:"purchased_seats" db:"purchased_seats"`
	UsedSeats      *int        `json:"used_seats" db:"used_seats"`
	PricePerSeat   types.Money `json:"price_per_seat" db:"price_per_seat"`
	TrialEndsAt    *time.Time  `json:"trial_ends_at,omitempty" db:"trial_ends_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// LicenseFor derives the license of sub. usedSeats nil keeps the stored count.
func LicenseFor(sub *Subscription, c Catalog, usedSeats *int, now time.Time) *TenantLicense {
	return &TenantLicense{
		TenantID:       sub.TenantID,
		Plan:           sub.Plan,
		PurchasedSeats: cloneInt(sub.UserLimit),
		UsedSeats:      cloneInt(usedSeats),
		PricePerSeat:   c.PricePerUser(sub.Plan),
		TrialEndsAt:    cloneTime(sub.TrialEndsAt),
		UpdatedAt:      now,
	}
}
