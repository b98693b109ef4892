package payment

import (
	"context"
	"fmt"
	"time"

	"worktally/internal/core/apperror"
	"worktally/internal/domain/billing"
	"worktally/pkg/logger"
)

// Renewal outcomes reported to RenewalObserver.
const (
	RenewalRenewed  = "renewed"
	RenewalFailed   = "failed"
	RenewalCanceled = "canceled"
	RenewalPending  = "pending"
	RenewalSkipped  = "skipped"
	RenewalError    = "error"
	RenewalExpired  = "expired"
)

// DefaultRenewalRetryInterval spaces charge attempts on a past-due subscription.
const DefaultRenewalRetryInterval = 24 * time.Hour

// Subscriptions is the part of billing.Service the renewer drives.
type Subscriptions interface {
	DueForRenewal(ctx context.Context, limit int) ([]*billing.Subscription, error)
	GraceExpired(ctx context.Context, limit int) ([]*billing.Subscription, error)
	Renew(ctx context.Context, tenantID string) (*billing.Subscription, error)
	RecordRenewalFailure(ctx context.Context, tenantID string) (*billing.Subscription, error)
	ExpireGrace(ctx context.Context, tenantID string) (*billing.Subscription, bool, error)
	Catalog() billing.Catalog
}

// SeatUsage reports the last known active user count of a tenant.
// Unlimited plans are charged for that many seats.
type SeatUsage interface {
	GetByTenantID(ctx context.Context, tenantID string) (*billing.TenantLicense, error)
}

// RenewalObserver is notified of every renewal outcome.
type RenewalObserver interface {
	Renewal(outcome string)
}

// RenewerConfig configures Renewer.
type RenewerConfig struct {
	Subscriptions Subscriptions
	Seats         SeatUsage
	// Payments records each charge as a renewal snapshot.
	Payments      *Engine
	Observer      RenewalObserver
	BatchSize     int
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *logger.Logger
}

// RenewalStats counts the outcomes of one pass.
type RenewalStats map[string]int

// Renewer charges subscriptions at the end of their cycle off-session,
// with the tenant's default payment method, and cancels past-due
// subscriptions whose grace window has ended.
type Renewer struct {
	subs     Subscriptions
	seats    SeatUsage
	payments *Engine
	observer RenewalObserver
	batch    int
	retry    time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// NewRenewer creates a renewer.
func NewRenewer(cfg RenewerConfig) *Renewer {
	r := &Renewer{
		subs:     cfg.Subscriptions,
		seats:    cfg.Seats,
		payments: cfg.Payments,
		observer: cfg.Observer,
		batch:    cfg.BatchSize,
		retry:    cfg.RetryInterval,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
	if r.batch <= 0 {
		r.batch = 100
	}
	if r.retry <= 0 {
		r.retry = DefaultRenewalRetryInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	r.log = r.log.WithComponent("renewal")
	return r
}

// RunOnce processes one batch of due renewals and one batch of expired
// grace windows. Per-subscription failures are logged and counted; only a
// failure to list subscriptions is returned.
func (r *Renewer) RunOnce(ctx context.Context) (RenewalStats, error) {
	stats := RenewalStats{}

	due, err := r.subs.DueForRenewal(ctx, r.batch)
	if err != nil {
		return stats, fmt.Errorf("list due renewals: %w", err)
	}
	for _, sub := range due {
		r.record(stats, r.renew(ctx, sub))
	}

	expired, err := r.subs.GraceExpired(ctx, r.batch)
	if err != nil {
		return stats, fmt.Errorf("list expired grace periods: %w", err)
	}
	for _, sub := range expired {
		_, canceled, err := r.subs.ExpireGrace(ctx, sub.TenantID)
		switch {
		case err != nil:
			r.log.WithContext(ctx).Errorw("expire grace failed", "tenant_id", sub.TenantID, "error", err)
			r.record(stats, RenewalError)
		case canceled:
			r.log.WithContext(ctx).Infow("subscription canceled after grace period", "tenant_id", sub.TenantID)
			r.record(stats, RenewalExpired)
		}
	}
	return stats, nil
}

func (r *Renewer) record(stats RenewalStats, outcome string) {
	stats[outcome]++
	if r.observer != nil {
		r.observer.Renewal(outcome)
	}
}

func (r *Renewer) renew(ctx context.Context, sub *billing.Subscription) string {
	log := r.log.WithContext(ctx).With("tenant_id", sub.TenantID, "subscription_id", sub.ID)

	if sub.Status == billing.StatusPastDue && r.now().Sub(sub.UpdatedAt) < r.retry {
		return RenewalSkipped
	}

	amount := r.subs.Catalog().MonthlyTotal(renewalEntitlement(sub), r.chargedSeats(ctx, sub))
	if !amount.IsPositive() {
		if _, err := r.subs.Renew(ctx, sub.TenantID); err != nil {
			log.Errorw("renew without charge failed", "error", err)
			return RenewalError
		}
		return RenewalRenewed
	}

	method, err := r.paymentMethod(ctx, sub)
	if err != nil {
		log.Errorw("list payment methods failed", "error", err)
		return RenewalError
	}
	if method == "" {
		log.Warnw("no payment method on file")
		return r.fail(ctx, sub)
	}

	res, err := r.payments.ChargeRenewal(ctx, RenewalCharge{
		Subscription:  sub,
		Target:        renewalEntitlement(sub),
		Amount:        amount,
		Currency:      r.subs.Catalog().Currency,
		PaymentMethod: method,
	})
	if err != nil {
		if !apperror.HasCode(err, apperror.CodePaymentDeclined) || res == nil {
			log.Errorw("renewal charge failed", "error", err)
			return RenewalError
		}
		// Declined, or a challenge nobody is present to complete.
		log.Infow("renewal charge declined", "reason", res.Snapshot.FailureReason)
		if res.Subscription != nil && res.Subscription.Status == billing.StatusCanceled {
			return RenewalCanceled
		}
		return RenewalFailed
	}

	switch res.Snapshot.Status {
	case StatusCompleted:
		log.Infow("subscription renewed", "amount", amount.String(), "payment_id", res.Snapshot.ID)
		return RenewalRenewed
	case StatusFailed:
		return RenewalFailed
	default:
		return RenewalPending
	}
}

func (r *Renewer) fail(ctx context.Context, sub *billing.Subscription) string {
	updated, err := r.subs.RecordRenewalFailure(ctx, sub.TenantID)
	if err != nil {
		r.log.WithContext(ctx).Errorw("record renewal failure", "tenant_id", sub.TenantID, "error", err)
		return RenewalError
	}
	if updated.Status == billing.StatusCanceled {
		return RenewalCanceled
	}
	return RenewalFailed
}

func (r *Renewer) paymentMethod(ctx context.Context, sub *billing.Subscription) (string, error) {
	methods, err := r.payments.Gateway().ListPaymentMethods(ctx, sub.TenantID)
	if err != nil {
		return "", err
	}
	return defaultMethod(methods), nil
}

// chargedSeats is the seat limit, or for unlimited plans the active users
// recorded on the license (at least one).
func (r *Renewer) chargedSeats(ctx context.Context, sub *billing.Subscription) int {
	e := renewalEntitlement(sub)
	if e.UserLimit != nil {
		return *e.UserLimit
	}
	if r.seats != nil {
		if l, err := r.seats.GetByTenantID(ctx, sub.TenantID); err == nil && l.UsedSeats != nil && *l.UsedSeats > 0 {
			return *l.UsedSeats
		}
	}
	return 1
}

// renewalEntitlement is what the next cycle bills: a scheduled downgrade
// takes effect at renewal.
func renewalEntitlement(sub *billing.Subscription) billing.Entitlement {
	e := sub.Entitlement()
	if sub.HasPendingChange() {
		if sub.PendingPlan != nil {
			e.Plan = *sub.PendingPlan
		}
		e.UserLimit = sub.PendingUserLimit
		if e.Plan == billing.PlanStarter {
			limit := billing.StarterSeatCap
			e.UserLimit = &limit
		}
	}
	return e
}

func defaultMethod(methods []PaymentMethod) string {
	for _, m := range methods {
		if m.IsDefault {
			return m.ID
		}
	}
	if len(methods) > 0 {
		return methods[0].ID
	}
	return ""
}
