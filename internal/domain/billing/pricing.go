package billing

import (
	"github.com/shopspring/decimal"

	"worktally/internal/core/types"
)

// DefaultCurrency is used when no currency is configured.
const DefaultCurrency = "EUR"

// Catalog holds per-user monthly prices.
type Catalog struct {
	Currency string
	PerUser  map[PlanTier]types.Money
}

// DefaultCatalog returns list prices in currency.
func DefaultCatalog(currency string) Catalog {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Catalog{
		Currency: currency,
		PerUser: map[PlanTier]types.Money{
			PlanStarter:    types.MustMoney("7.00"),
			PlanTeam:       types.MustMoney("12.00"),
			PlanEnterprise: types.MustMoney("19.00"),
		},
	}
}

// PricePerUser returns the monthly per-seat price of plan.
func (c Catalog) PricePerUser(plan PlanTier) types.Money {
	return c.PerUser[plan]
}

// FullPlanPrice is the monthly price of plan at seats.
func FullPlanPrice(perUser types.Money, seats int) types.Money {
	return types.RoundCurrency(perUser.Mul(decimal.NewFromInt(int64(seats))))
}

// SeatIncreaseAmount charges the added seats at the per-user price.
// There is no mid-cycle proration.
func SeatIncreaseAmount(perUser types.Money, fromSeats, toSeats int) types.Money {
	delta := toSeats - fromSeats
	if delta <= 0 {
		return types.Zero()
	}
	return FullPlanPrice(perUser, delta)
}

// AddonPrice is the addon's share of the plan price.
func AddonPrice(planPrice types.Money, addon Addon) types.Money {
	return types.RoundCurrency(planPrice.Mul(addon.Rate()))
}

// MonthlyTotal prices an entitlement at seats.
func (c Catalog) MonthlyTotal(e Entitlement, seats int) types.Money {
	base := FullPlanPrice(c.PricePerUser(e.Plan), seats)
	total := base
	for _, a := range e.Addons {
		total = total.Add(AddonPrice(base, a))
	}
	return total
}
