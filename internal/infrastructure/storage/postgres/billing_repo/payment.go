package billing_repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"worktally/internal/core/types"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
	"worktally/internal/infrastructure/storage/postgres"
)

type paymentRow struct {
	ID               string          `db:"id"`
	TenantID         string          `db:"tenant_id"`
	Kind             string          `db:"kind"`
	Amount           types.Money     `db:"amount"`
	Currency         string          `db:"currency"`
	Status           string          `db:"status"`
	Gateway          string          `db:"gateway"`
	GatewayReference *string         `db:"gateway_reference"`
	GatewayStatus    *string         `db:"gateway_status"`
	FailureReason    *string         `db:"failure_reason"`
	TargetPlan       string          `db:"target_plan"`
	TargetUserCount  *int            `db:"target_user_count"`
	TargetAddons     []string        `db:"target_addons"`
	CycleStart       time.Time       `db:"cycle_start"`
	CycleEnd         time.Time       `db:"cycle_end"`
	Metadata         json.RawMessage `db:"metadata"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
}

var paymentColumns = postgres.ExtractDBColumns[paymentRow]()

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toPaymentRow(s *payment.Snapshot) (paymentRow, error) {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return paymentRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return paymentRow{
		ID:               s.ID,
		TenantID:         s.TenantID,
		Kind:             string(s.Kind),
		Amount:           s.Amount,
		Currency:         s.Currency,
		Status:           string(s.Status),
		Gateway:          s.Gateway,
		GatewayReference: optString(s.GatewayReference),
		GatewayStatus:    optString(string(s.GatewayStatus)),
		FailureReason:    optString(s.FailureReason),
		TargetPlan:       string(s.Target.Plan()),
		TargetUserCount:  s.Target.UserCount(),
		TargetAddons:     s.Target.Addons().Strings(),
		CycleStart:       s.CycleStart,
		CycleEnd:         s.CycleEnd,
		Metadata:         raw,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		CompletedAt:      s.CompletedAt,
	}, nil
}

func (r paymentRow) toDomain() (*payment.Snapshot, error) {
	var meta map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", r.ID, err)
		}
	}
	return &payment.Snapshot{
		ID:               r.ID,
		TenantID:         r.TenantID,
		Kind:             billing.ChangeKind(r.Kind),
		Amount:           r.Amount,
		Currency:         r.Currency,
		Status:           payment.Status(r.Status),
		Gateway:          r.Gateway,
		GatewayReference: deref(r.GatewayReference),
		GatewayStatus:    payment.GatewayStatus(deref(r.GatewayStatus)),
		FailureReason:    deref(r.FailureReason),
		Target: payment.NewTarget(billing.Entitlement{
			Plan:      billing.PlanTier(r.TargetPlan),
			UserLimit: r.TargetUserCount,
			Addons:    billing.AddonSetFromStrings(r.TargetAddons),
		}),
		CycleStart:  r.CycleStart,
		CycleEnd:    r.CycleEnd,
		Metadata:    meta,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

// PaymentRepo implements payment.Repository on the payments table.
type PaymentRepo struct {
	txm *postgres.TxManager
}

func NewPaymentRepo(txm *postgres.TxManager) *PaymentRepo {
	return &PaymentRepo{txm: txm}
}

func (r *PaymentRepo) Create(ctx context.Context, s *payment.Snapshot) error {
	row, err := toPaymentRow(s)
	if err != nil {
		return err
	}
	sql, args, err := builder().Insert("payments").SetMap(postgres.StructToMap(row)).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepo) Get(ctx context.Context, id string) (*payment.Snapshot, error) {
	sql, args, err := builder().Select(paymentColumns...).From("payments").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row paymentRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, payment.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return row.toDomain()
}

func (r *PaymentRepo) transitionQuery(id string, from, to payment.Status, o payment.Outcome) squirrel.UpdateBuilder {
	q := builder().Update("payments").
		Set("status", string(to)).
		Set("updated_at", o.At).
		Where(squirrel.Eq{"id": id, "status": string(from)})
	q = setOutcome(q, o)
	if to == payment.StatusCompleted {
		q = q.Set("completed_at", o.At)
	}
	return q
}

func setOutcome(q squirrel.UpdateBuilder, o payment.Outcome) squirrel.UpdateBuilder {
	if o.GatewayReference != "" {
		q = q.Set("gateway_reference", o.GatewayReference)
	}
	if o.GatewayStatus != "" {
		q = q.Set("gateway_status", string(o.GatewayStatus))
	}
	if o.FailureReason != "" {
		q = q.Set("failure_reason", o.FailureReason)
	}
	return q
}

// Transition is a compare-and-set on status. Exactly one of any number of
// concurrent callers observes true.
func (r *PaymentRepo) Transition(ctx context.Context, id string, from, to payment.Status, o payment.Outcome) (bool, error) {
	sql, args, err := r.transitionQuery(id, from, to, o).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	res, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("transition payment: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

func (r *PaymentRepo) gatewayStatusQuery(id string, o payment.Outcome) squirrel.UpdateBuilder {
	open := make([]string, 0, 3)
	for _, s := range payment.OpenStatuses() {
		open = append(open, string(s))
	}
	return setOutcome(builder().Update("payments").Set("updated_at", o.At), o).
		Where(squirrel.Eq{"id": id, "status": open})
}

func (r *PaymentRepo) RecordGatewayStatus(ctx context.Context, id string, o payment.Outcome) error {
	sql, args, err := r.gatewayStatusQuery(id, o).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("record gateway status: %w", err)
	}
	return nil
}

func (r *PaymentRepo) historyQuery(tenantID string, f payment.HistoryFilter) squirrel.SelectBuilder {
	q := builder().Select(paymentColumns...).From("payments").
		Where(squirrel.Eq{"tenant_id": tenantID}).
		OrderBy("created_at DESC", "id DESC")
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func (r *PaymentRepo) ListByTenant(ctx context.Context, tenantID string, f payment.HistoryFilter) ([]*payment.Snapshot, error) {
	sql, args, err := r.historyQuery(tenantID, f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []paymentRow
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out := make([]*payment.Snapshot, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

var _ payment.Repository = (*PaymentRepo)(nil)
