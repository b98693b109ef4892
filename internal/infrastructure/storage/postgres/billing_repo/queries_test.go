package billing_repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/types"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
)

func intPtr(v int) *int { return &v }

func TestSubscriptionRow_RoundTrip(t *testing.T) {
	pending := billing.PlanStarter
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &billing.Subscription{
		ID:               "s1",
		TenantID:         "t1",
		Plan:             billing.PlanTeam,
		UserLimit:        intPtr(5),
		Addons:           billing.NewAddonSet(billing.AddonWorkflows, billing.AddonPlanning),
		Status:           billing.StatusActive,
		NextRenewalAt:    &now,
		PendingPlan:      &pending,
		PendingUserLimit: intPtr(2),
		Version:          4,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	row := toSubscriptionRow(sub)
	assert.Equal(t, "team", row.Plan)
	assert.Equal(t, []string{"planning", "workflows"}, row.Addons)
	require.NotNil(t, row.PendingPlan)
	assert.Equal(t, "starter", *row.PendingPlan)

	assert.Equal(t, sub, row.toDomain())
}

func TestSubscriptionColumns(t *testing.T) {
	for _, col := range []string{"id", "tenant_id", "plan", "user_limit", "addons", "pending_plan", "version"} {
		assert.Contains(t, subscriptionColumns, col)
	}
}

func TestSubscriptionUpdateQuery_ChecksVersion(t *testing.T) {
	r := &SubscriptionRepo{}
	sub := &billing.Subscription{ID: "s1", TenantID: "t1", Plan: billing.PlanTeam, Status: billing.StatusActive, Version: 7}

	sql, args, err := r.updateQuery(sub).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "UPDATE subscriptions SET ")
	assert.Contains(t, sql, "version = version + 1")
	assert.Contains(t, sql, "WHERE id = $")
	assert.Contains(t, sql, "AND version = $")
	assert.NotContains(t, sql, "tenant_id =")
	assert.NotContains(t, sql, "created_at =")
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "s1", args[len(args)-2])
	assert.Equal(t, 7, args[len(args)-1])
}

func TestSubscriptionDueQuery(t *testing.T) {
	r := &SubscriptionRepo{}
	now := time.Now()

	sql, args, err := r.dueQuery(now, 25).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM subscriptions WHERE status IN ($1,$2,$3) AND next_renewal_at <= $4")
	assert.Contains(t, sql, "ORDER BY next_renewal_at LIMIT 25")
	assert.Equal(t, []any{"trialing", "active", "past_due", now}, args)

	sql, args, err = r.graceQuery(now, 10).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE status = $1 AND grace_period_until <= $2")
	assert.Equal(t, []any{"past_due", now}, args)
}

func TestLicenseUpsertQuery_KeepsUsedSeatsWhenUnknown(t *testing.T) {
	r := &LicenseRepo{}
	sql, args, err := r.upsertQuery(&billing.TenantLicense{
		TenantID:     "t1",
		Plan:         billing.PlanTeam,
		PricePerSeat: types.MustMoney("12.00"),
	}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "INSERT INTO tenant_licenses")
	assert.Contains(t, sql, "ON CONFLICT (tenant_id) DO UPDATE")
	assert.Contains(t, sql, "COALESCE(EXCLUDED.used_seats, tenant_licenses.used_seats)")
	assert.Len(t, args, 7)
	assert.Equal(t, "t1", args[0])
}

func newSnapshot() *payment.Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &payment.Snapshot{
		ID:       "p1",
		TenantID: "t1",
		Kind:     billing.KindSeatIncrease,
		Amount:   types.MustMoney("36.00"),
		Currency: "EUR",
		Status:   payment.StatusPending,
		Gateway:  "simulated",
		Target: payment.NewTarget(billing.Entitlement{
			Plan:      billing.PlanTeam,
			UserLimit: intPtr(8),
			Addons:    billing.NewAddonSet(billing.AddonPlanning),
		}),
		CycleStart: now,
		CycleEnd:   now.AddDate(0, 1, 0),
		Metadata:   map[string]string{"source": "test"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPaymentRow_RoundTrip(t *testing.T) {
	s := newSnapshot()
	row, err := toPaymentRow(s)
	require.NoError(t, err)
	assert.Nil(t, row.GatewayReference)
	assert.Equal(t, "team", row.TargetPlan)
	assert.Equal(t, []string{"planning"}, row.TargetAddons)
	assert.JSONEq(t, `{"source":"test"}`, string(row.Metadata))

	got, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.True(t, s.Amount.Equal(got.Amount))
	assert.Equal(t, s.Target.Entitlement(), got.Target.Entitlement())
	assert.Equal(t, s.Metadata, got.Metadata)
	assert.Empty(t, got.GatewayReference)
}

func TestPaymentTransitionQuery_IsCompareAndSet(t *testing.T) {
	r := &PaymentRepo{}
	at := time.Now()

	sql, args, err := r.transitionQuery("p1", payment.StatusPending, payment.StatusCompleted, payment.Outcome{
		GatewayReference: "pi_1",
		GatewayStatus:    payment.GatewaySucceeded,
		At:               at,
	}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "UPDATE payments SET status = $1, updated_at = $2")
	assert.Contains(t, sql, "gateway_reference = $3")
	assert.Contains(t, sql, "completed_at = $5")
	assert.Contains(t, sql, "id = $6")
	assert.Contains(t, sql, "status = $7")
	assert.Equal(t, "completed", args[0])
	assert.Equal(t, "p1", args[5])
	assert.Equal(t, "pending", args[6])

	sql, _, err = r.transitionQuery("p1", payment.StatusPending, payment.StatusFailed, payment.Outcome{
		FailureReason: "card_declined",
		At:            at,
	}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "failure_reason = $3")
	assert.NotContains(t, sql, "completed_at")
}

func TestPaymentGatewayStatusQuery_OnlyTouchesOpenSnapshots(t *testing.T) {
	r := &PaymentRepo{}

	sql, args, err := r.gatewayStatusQuery("p1", payment.Outcome{
		GatewayStatus: payment.GatewaySucceeded,
		At:            time.Now(),
	}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "gateway_status = $2")
	assert.Contains(t, sql, "status IN ($4,$5,$6)")
	assert.NotContains(t, sql, "SET status")
	assert.Equal(t, []any{"pending", "processing", "requires_action"}, args[3:])
}

func TestPaymentHistoryQuery(t *testing.T) {
	r := &PaymentRepo{}

	sql, args, err := r.historyQuery("t1", payment.HistoryFilter{Status: payment.StatusFailed, Limit: 20, Offset: 40}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM payments WHERE tenant_id = $1 AND status = $2")
	assert.Contains(t, sql, "ORDER BY created_at DESC, id DESC LIMIT 20 OFFSET 40")
	assert.Equal(t, []any{"t1", "failed"}, args)

	sql, args, err = r.historyQuery("t1", payment.HistoryFilter{}).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "LIMIT")
	assert.Equal(t, []any{"t1"}, args)
}
