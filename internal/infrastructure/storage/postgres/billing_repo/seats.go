package billing_repo

import (
	"context"

	"worktally/internal/core/tenant"
	"worktally/internal/domain/billing"
	"worktally/internal/infrastructure/storage/postgres/auth_repo"
)

// SeatCounter counts active users in the routed tenant database.
type SeatCounter struct{}

func (SeatCounter) CountActiveUsers(ctx context.Context, tc *tenant.Context) (int, error) {
	return auth_repo.NewUserRepo(tc.DB()).CountActive(ctx)
}

var _ billing.SeatCounter = SeatCounter{}
