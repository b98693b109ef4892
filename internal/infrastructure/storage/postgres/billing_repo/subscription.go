// Package billing_repo provides PostgreSQL implementations of the billing and
// payment repositories. All tables live in the central database; queries run
// on the transaction carried by ctx when there is one.
package billing_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"worktally/internal/domain/billing"
	"worktally/internal/infrastructure/storage/postgres"
)

const uniqueViolation = "23505"

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type subscriptionRow struct {
	ID                    string     `db:"id"`
	TenantID              string     `db:"tenant_id"`
	Plan                  string     `db:"plan"`
	UserLimit             *int       `db:"user_limit"`
	Addons                []string   `db:"addons"`
	Status                string     `db:"status"`
	TrialEndsAt           *time.Time `db:"trial_ends_at"`
	NextRenewalAt         *time.Time `db:"next_renewal_at"`
	PendingPlan           *string    `db:"pending_plan"`
	PendingUserLimit      *int       `db:"pending_user_limit"`
	FailedRenewalAttempts int        `db:"failed_renewal_attempts"`
	GracePeriodUntil      *time.Time `db:"grace_period_until"`
	CanceledAt            *time.Time `db:"canceled_at"`
	Version               int        `db:"version"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

var subscriptionColumns = postgres.ExtractDBColumns[subscriptionRow]()

func toSubscriptionRow(s *billing.Subscription) subscriptionRow {
	row := subscriptionRow{
		ID:                    s.ID,
		TenantID:              s.TenantID,
		Plan:                  string(s.Plan),
		UserLimit:             s.UserLimit,
		Addons:                s.Addons.Strings(),
		Status:                string(s.Status),
		TrialEndsAt:           s.TrialEndsAt,
		NextRenewalAt:         s.NextRenewalAt,
		PendingUserLimit:      s.PendingUserLimit,
		FailedRenewalAttempts: s.FailedRenewalAttempts,
		GracePeriodUntil:      s.GracePeriodUntil,
		CanceledAt:            s.CanceledAt,
		Version:               s.Version,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
	if s.PendingPlan != nil {
		p := string(*s.PendingPlan)
		row.PendingPlan = &p
	}
	return row
}

func (r subscriptionRow) toDomain() *billing.Subscription {
	s := &billing.Subscription{
		ID:                    r.ID,
		TenantID:              r.TenantID,
		Plan:                  billing.PlanTier(r.Plan),
		UserLimit:             r.UserLimit,
		Addons:                billing.AddonSetFromStrings(r.Addons),
		Status:                billing.Status(r.Status),
		TrialEndsAt:           r.TrialEndsAt,
		NextRenewalAt:         r.NextRenewalAt,
		PendingUserLimit:      r.PendingUserLimit,
		FailedRenewalAttempts: r.FailedRenewalAttempts,
		GracePeriodUntil:      r.GracePeriodUntil,
		CanceledAt:            r.CanceledAt,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	if r.PendingPlan != nil {
		p := billing.PlanTier(*r.PendingPlan)
		s.PendingPlan = &p
	}
	return s
}

// SubscriptionRepo implements billing.SubscriptionRepository.
type SubscriptionRepo struct {
	txm *postgres.TxManager
}

// NewSubscriptionRepo creates a repository on the central database.
func NewSubscriptionRepo(txm *postgres.TxManager) *SubscriptionRepo {
	return &SubscriptionRepo{txm: txm}
}

func (r *SubscriptionRepo) selectQuery() squirrel.SelectBuilder {
	return builder().Select(subscriptionColumns...).From("subscriptions")
}

func (r *SubscriptionRepo) GetByTenantID(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	sql, args, err := r.selectQuery().Where(squirrel.Eq{"tenant_id": tenantID}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row subscriptionRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (r *SubscriptionRepo) Create(ctx context.Context, sub *billing.Subscription) error {
	sql, args, err := builder().Insert("subscriptions").SetMap(postgres.StructToMap(toSubscriptionRow(sub))).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return billing.ErrSubscriptionExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) updateQuery(sub *billing.Subscription) squirrel.UpdateBuilder {
	data := postgres.StructToMap(toSubscriptionRow(sub))
	for _, immutable := range []string{"id", "tenant_id", "version", "created_at"} {
		delete(data, immutable)
	}
	return builder().
		Update("subscriptions").
		SetMap(data).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": sub.ID}).
		Where(squirrel.Eq{"version": sub.Version})
}

func (r *SubscriptionRepo) Update(ctx context.Context, sub *billing.Subscription) error {
	sql, args, err := r.updateQuery(sub).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if res.RowsAffected() == 0 {
		return billing.ErrVersionConflict
	}
	sub.Version++
	return nil
}

func (r *SubscriptionRepo) dueQuery(now time.Time, limit int) squirrel.SelectBuilder {
	return r.selectQuery().
		Where(squirrel.Eq{"status": []string{
			string(billing.StatusTrialing), string(billing.StatusActive), string(billing.StatusPastDue),
		}}).
		Where(squirrel.LtOrEq{"next_renewal_at": now}).
		OrderBy("next_renewal_at").
		Limit(uint64(limit))
}

func (r *SubscriptionRepo) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	return r.list(ctx, r.dueQuery(now, limit))
}

func (r *SubscriptionRepo) graceQuery(now time.Time, limit int) squirrel.SelectBuilder {
	return r.selectQuery().
		Where(squirrel.Eq{"status": string(billing.StatusPastDue)}).
		Where(squirrel.LtOrEq{"grace_period_until": now}).
		OrderBy("grace_period_until").
		Limit(uint64(limit))
}

func (r *SubscriptionRepo) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	return r.list(ctx, r.graceQuery(now, limit))
}

func (r *SubscriptionRepo) list(ctx context.Context, q squirrel.SelectBuilder) ([]*billing.Subscription, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []subscriptionRow
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]*billing.Subscription, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

var _ billing.SubscriptionRepository = (*SubscriptionRepo)(nil)
