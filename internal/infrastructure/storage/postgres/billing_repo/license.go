package billing_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"worktally/internal/domain/billing"
	"worktally/internal/infrastructure/storage/postgres"
)

// LicenseRepo implements billing.LicenseRepository. Sync also mirrors the
// plan onto tenants.plan.
type LicenseRepo struct {
	txm *postgres.TxManager
}

// NewLicenseRepo creates a repository on the central database.
func NewLicenseRepo(txm *postgres.TxManager) *LicenseRepo {
	return &LicenseRepo{txm: txm}
}

func (r *LicenseRepo) upsertQuery(l *billing.TenantLicense) squirrel.InsertBuilder {
	return builder().
		Insert("tenant_licenses").
		Columns("tenant_id", "plan", "purchased_seats", "used_seats", "price_per_seat", "trial_ends_at", "updated_at").
		Values(l.TenantID, string(l.Plan), l.PurchasedSeats, l.UsedSeats, l.PricePerSeat, l.TrialEndsAt, l.UpdatedAt).
		Suffix(`ON CONFLICT (tenant_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			purchased_seats = EXCLUDED.purchased_seats,
			used_seats = COALESCE(EXCLUDED.used_seats, tenant_licenses.used_seats),
			price_per_seat = EXCLUDED.price_per_seat,
			trial_ends_at = EXCLUDED.trial_ends_at,
			updated_at = EXCLUDED.updated_at`)
}

func (r *LicenseRepo) Sync(ctx context.Context, l *billing.TenantLicense) error {
	sql, args, err := r.upsertQuery(l).ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	q := r.txm.GetQuerier(ctx)
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE tenants SET plan = $2, updated_at = $3 WHERE id = $1 AND plan IS DISTINCT FROM $2`,
		l.TenantID, string(l.Plan), l.UpdatedAt); err != nil {
		return fmt.Errorf("mirror tenant plan: %w", err)
	}
	return nil
}

type licenseRow struct {
	TenantID       string          `db:"tenant_id"`
	Plan           string          `db:"plan"`
	PurchasedSeats *int            `db:"purchased_seats"`
	UsedSeats      *int            `db:"used_seats"`
	PricePerSeat   decimal.Decimal `db:"price_per_seat"`
	TrialEndsAt    *time.Time      `db:"trial_ends_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r *LicenseRepo) GetByTenantID(ctx context.Context, tenantID string) (*billing.TenantLicense, error) {
	sql, args, err := builder().
		Select(postgres.ExtractDBColumns[licenseRow]()...).
		From("tenant_licenses").
		Where(squirrel.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row licenseRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &billing.TenantLicense{
		TenantID:       row.TenantID,
		Plan:           billing.PlanTier(row.Plan),
		PurchasedSeats: row.PurchasedSeats,
		UsedSeats:      row.UsedSeats,
		PricePerSeat:   row.PricePerSeat,
		TrialEndsAt:    row.TrialEndsAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

var _ billing.LicenseRepository = (*LicenseRepo)(nil)
