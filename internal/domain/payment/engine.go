package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"worktally/internal/core/apperror"
	"worktally/internal/core/event"
	"worktally/internal/core/id"
	"worktally/internal/core/tenant"
	"worktally/internal/core/tx"
	"worktally/internal/core/types"
	"worktally/internal/domain/billing"
	"worktally/pkg/logger"
)

// Billing is the part of billing.Service the engine uses.
type Billing interface {
	Upgrade(ctx context.Context, tc *tenant.Context, req billing.ChangeRequest) (*billing.Quote, error)
	QuoteAddon(ctx context.Context, tc *tenant.Context, addon billing.Addon) (*billing.Quote, error)
	ApplyEntitlement(ctx context.Context, tenantID string, e billing.Entitlement, usedSeats *int) (*billing.Subscription, error)
	RequireEntitled(ctx context.Context, tenantID string) error
	Renew(ctx context.Context, tenantID string) (*billing.Subscription, error)
	RecordRenewalFailure(ctx context.Context, tenantID string) (*billing.Subscription, error)
}

// PaymentFailedPayload is the outbox payload of event.PaymentFailed.
type PaymentFailedPayload struct {
	TenantID    string `json:"tenant_id"`
	SnapshotID  string `json:"snapshot_id"`
	DeclineCode string `json:"decline_code"`
}

// ConfirmInput carries the payment method proof. TenantID, when set, must
// own the snapshot.
type ConfirmInput struct {
	TenantID      string
	CustomerID    string
	PaymentMethod string
}

// Confirmation reports the snapshot after a settlement attempt.
type Confirmation struct {
	Snapshot      *Snapshot             `json:"payment"`
	GatewayStatus GatewayStatus         `json:"gateway_status,omitempty"`
	NextActionURL string                `json:"next_action_url,omitempty"`
	Applied       bool                  `json:"applied"`
	Subscription  *billing.Subscription `json:"subscription,omitempty"`
}

// EngineConfig configures Engine.
type EngineConfig struct {
	Repo    Repository
	Billing Billing
	Gateway Gateway
	// TxManager runs transactions on the central database.
	TxManager tx.Manager
	Events    event.Publisher
	Now       func() time.Time
	Logger    *logger.Logger
}

// Engine runs charges: StartCheckout opens a pending snapshot and Confirm
// settles it exactly once. ChargeRenewal does both for an off-session renewal.
type Engine struct {
	repo    Repository
	billing Billing
	gateway Gateway
	txm     tx.Manager
	events  event.Publisher
	now     func() time.Time
	log     *logger.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		repo:    cfg.Repo,
		billing: cfg.Billing,
		gateway: cfg.Gateway,
		txm:     cfg.TxManager,
		events:  cfg.Events,
		now:     cfg.Now,
		log:     cfg.Logger,
	}
	if e.txm == nil {
		e.txm = tx.Passthrough
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = logger.Default()
	}
	e.log = e.log.WithComponent("payment")
	return e
}

// Gateway returns the configured processor.
func (e *Engine) Gateway() Gateway { return e.gateway }

// StartCheckout prices intent, opens a gateway intent and persists a pending
// snapshot carrying the resolved target. The subscription is not touched.
func (e *Engine) StartCheckout(ctx context.Context, tc *tenant.Context, intent CheckoutIntent) (*Snapshot, *IntentRef, error) {
	quote, err := e.quote(ctx, tc, intent)
	if err != nil {
		return nil, nil, err
	}
	if !quote.Amount.IsPositive() {
		return nil, nil, apperror.NewValidation("checkout amount must be positive")
	}

	now := e.now().UTC()
	snap := &Snapshot{
		ID:         id.NewString(),
		TenantID:   tc.ID(),
		Kind:       quote.Kind,
		Amount:     quote.Amount,
		Currency:   quote.Currency,
		Status:     StatusPending,
		Gateway:    e.gateway.Name(),
		Target:     NewTarget(quote.Target),
		CycleStart: now,
		CycleEnd:   billing.NextCycle(now),
		Metadata:   map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if quote.RenewsAt != nil && quote.RenewsAt.After(now) {
		snap.CycleEnd = *quote.RenewsAt
	}
	for k, v := range intent.Metadata {
		snap.Metadata[k] = v
	}

	ref, err := e.gateway.CreatePaymentIntent(ctx, IntentRequest{
		CustomerID:  intent.CustomerID,
		Amount:      snap.Amount,
		Currency:    snap.Currency,
		Description: fmt.Sprintf("%s: %s", snap.Kind, tc.Slug()),
		Metadata: map[string]string{
			"tenant_id":   snap.TenantID,
			"snapshot_id": snap.ID,
		},
		IdempotencyKey: snap.ID,
	})
	if err != nil {
		logger.Error(ctx, "create payment intent failed", "tenant", tc.Slug(), "error", err)
		return nil, nil, apperror.NewPaymentGateway(err)
	}
	snap.GatewayReference = ref.Reference
	snap.GatewayStatus = ref.Status

	if err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return e.repo.Create(ctx, snap)
	}); err != nil {
		return nil, nil, fmt.Errorf("create snapshot: %w", err)
	}

	e.log.WithContext(ctx).Infow("checkout started",
		"snapshot_id", snap.ID,
		"kind", snap.Kind,
		"amount", snap.Amount.String(),
		"currency", snap.Currency,
	)
	return snap, ref, nil
}

func (e *Engine) quote(ctx context.Context, tc *tenant.Context, intent CheckoutIntent) (*billing.Quote, error) {
	switch intent.Kind {
	case billing.KindAddon:
		return e.billing.QuoteAddon(ctx, tc, intent.Addon)
	case billing.KindPlanChange, billing.KindSeatIncrease:
		q, err := e.billing.Upgrade(ctx, tc, billing.ChangeRequest{Plan: intent.Plan, UserLimit: intent.UserLimit})
		if err != nil {
			return nil, err
		}
		if q.Kind != intent.Kind {
			return nil, apperror.NewInvalidPlanTransition(
				fmt.Sprintf("requested %s but the change is a %s", intent.Kind, q.Kind))
		}
		return q, nil
	default:
		return nil, apperror.NewValidation(fmt.Sprintf("unknown checkout kind %q", intent.Kind)).
			WithDetail("field", "kind")
	}
}

// Get returns a snapshot owned by tenantID.
func (e *Engine) Get(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error) {
	snap, err := e.repo.Get(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, apperror.NewNotFound("payment", snapshotID)
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if tenantID != "" && snap.TenantID != tenantID {
		return nil, apperror.NewNotFound("payment", snapshotID)
	}
	return snap, nil
}

var errLostRace = errors.New("snapshot changed concurrently")

// settlement is what settling a charge does to the subscription.
type settlement struct {
	// offSession charges have no customer to complete a challenge, so a
	// requires-action answer is a decline.
	offSession bool
	apply      func(ctx context.Context, snap *Snapshot) (*billing.Subscription, error)
	// fail runs with the failed transition. Optional.
	fail func(ctx context.Context, snap *Snapshot) (*billing.Subscription, error)
}

func (e *Engine) checkout() settlement {
	return settlement{
		apply: func(ctx context.Context, snap *Snapshot) (*billing.Subscription, error) {
			return e.billing.ApplyEntitlement(ctx, snap.TenantID, snap.Target.Entitlement(), nil)
		},
	}
}

func (e *Engine) renewal() settlement {
	return settlement{
		offSession: true,
		apply: func(ctx context.Context, snap *Snapshot) (*billing.Subscription, error) {
			return e.billing.Renew(ctx, snap.TenantID)
		},
		fail: func(ctx context.Context, snap *Snapshot) (*billing.Subscription, error) {
			return e.billing.RecordRenewalFailure(ctx, snap.TenantID)
		},
	}
}

// Confirm settles an open checkout snapshot through the gateway.
//
// A settled snapshot is returned unchanged. The subscription must be able to
// take the change before the card is charged. A captured charge is recorded
// on the snapshot before it is applied; if the apply fails, the next Confirm
// applies it without charging again. On apply, the status change, the
// subscription update and the outbox event commit in one central
// transaction. A declined charge marks the snapshot failed and returns
// PAYMENT_DECLINED. Processing and requires-action answers hold the
// snapshot open in the matching status.
func (e *Engine) Confirm(ctx context.Context, snapshotID string, in ConfirmInput) (*Confirmation, error) {
	snap, err := e.Get(ctx, in.TenantID, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status.IsTerminal() {
		return &Confirmation{Snapshot: snap, GatewayStatus: snap.GatewayStatus}, nil
	}
	if snap.Kind == billing.KindRenewal {
		return nil, apperror.NewConflict("renewal payments are settled by the renewal job").
			WithDetail("payment_id", snap.ID)
	}
	if err := e.billing.RequireEntitled(ctx, snap.TenantID); err != nil {
		return nil, err
	}

	return e.settle(ctx, snap, ConfirmRequest{
		Reference:     snap.GatewayReference,
		CustomerID:    in.CustomerID,
		PaymentMethod: in.PaymentMethod,
	}, e.checkout())
}

func (e *Engine) settle(ctx context.Context, snap *Snapshot, req ConfirmRequest, s settlement) (*Confirmation, error) {
	if snap.GatewayStatus == GatewaySucceeded {
		// Captured by an earlier attempt; only the apply is missing.
		return e.complete(ctx, snap, &ConfirmResult{Reference: snap.GatewayReference, Status: GatewaySucceeded}, s)
	}

	req.OffSession = s.offSession
	res, err := e.gateway.ConfirmPayment(ctx, req)
	if err != nil {
		logger.Error(ctx, "confirm payment failed", "snapshot_id", snap.ID, "error", err)
		return nil, apperror.NewPaymentGateway(err)
	}
	if res.Reference == "" {
		res.Reference = snap.GatewayReference
	}
	if s.offSession && res.Status == GatewayRequiresAction {
		res = &ConfirmResult{
			Reference:   res.Reference,
			Status:      GatewayDeclined,
			DeclineCode: "authentication_required",
			Message:     "The payment method requires the customer to authenticate.",
		}
	}

	switch res.Status {
	case GatewaySucceeded:
		o := Outcome{GatewayReference: res.Reference, GatewayStatus: res.Status, At: e.now().UTC()}
		if err := e.repo.RecordGatewayStatus(ctx, snap.ID, o); err != nil {
			return nil, fmt.Errorf("record capture: %w", err)
		}
		snap.GatewayReference = res.Reference
		snap.GatewayStatus = res.Status
		return e.complete(ctx, snap, res, s)
	case GatewayDeclined:
		return e.fail(ctx, snap, res, s)
	default:
		return e.hold(ctx, snap, res)
	}
}

func (e *Engine) complete(ctx context.Context, snap *Snapshot, res *ConfirmResult, s settlement) (*Confirmation, error) {
	now := e.now().UTC()
	var sub *billing.Subscription
	err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		won, err := e.repo.Transition(ctx, snap.ID, snap.Status, StatusCompleted, Outcome{
			GatewayReference: res.Reference,
			GatewayStatus:    res.Status,
			At:               now,
		})
		if err != nil {
			return fmt.Errorf("complete snapshot: %w", err)
		}
		if !won {
			return errLostRace
		}
		sub, err = s.apply(ctx, snap)
		return err
	})
	if errors.Is(err, errLostRace) {
		return e.settled(ctx, snap.ID)
	}
	if err != nil {
		e.log.WithContext(ctx).Errorw("captured payment not applied",
			"snapshot_id", snap.ID,
			"tenant_id", snap.TenantID,
			"error", err,
		)
		return nil, err
	}

	snap.Status = StatusCompleted
	snap.GatewayReference = res.Reference
	snap.GatewayStatus = res.Status
	snap.CompletedAt = &now
	snap.UpdatedAt = now

	e.log.WithContext(ctx).Infow("payment completed",
		"snapshot_id", snap.ID,
		"tenant_id", snap.TenantID,
		"kind", snap.Kind,
		"plan", snap.Target.Plan(),
	)
	return &Confirmation{Snapshot: snap, GatewayStatus: res.Status, Applied: true, Subscription: sub}, nil
}

func (e *Engine) fail(ctx context.Context, snap *Snapshot, res *ConfirmResult, s settlement) (*Confirmation, error) {
	now := e.now().UTC()
	reason := res.DeclineCode
	if reason == "" {
		reason = "declined"
	}
	var sub *billing.Subscription
	err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		won, err := e.repo.Transition(ctx, snap.ID, snap.Status, StatusFailed, Outcome{
			GatewayReference: res.Reference,
			GatewayStatus:    res.Status,
			FailureReason:    reason,
			At:               now,
		})
		if err != nil {
			return fmt.Errorf("fail snapshot: %w", err)
		}
		if !won {
			return errLostRace
		}
		if s.fail != nil {
			if sub, err = s.fail(ctx, snap); err != nil {
				return err
			}
		}
		if e.events == nil {
			return nil
		}
		return e.events.Publish(ctx, event.Event{
			AggregateType: "payment",
			AggregateID:   snap.ID,
			Type:          event.PaymentFailed,
			Payload:       PaymentFailedPayload{TenantID: snap.TenantID, SnapshotID: snap.ID, DeclineCode: reason},
		})
	})
	if errors.Is(err, errLostRace) {
		return e.settled(ctx, snap.ID)
	}
	if err != nil {
		return nil, err
	}

	snap.Status = StatusFailed
	snap.FailureReason = reason
	snap.GatewayStatus = res.Status
	snap.UpdatedAt = now

	e.log.WithContext(ctx).Warnw("payment declined", "snapshot_id", snap.ID, "kind", snap.Kind, "reason", reason)
	msg := res.Message
	if msg == "" {
		msg = reason
	}
	return &Confirmation{Snapshot: snap, GatewayStatus: res.Status, Subscription: sub},
		apperror.NewPaymentDeclined(msg).
			WithDetail("decline_code", reason).
			WithDetail("payment_id", snap.ID)
}

// hold records an unsettled answer. Processing and requires-action move the
// snapshot to the status of the same name; anything else only updates the
// gateway fields.
func (e *Engine) hold(ctx context.Context, snap *Snapshot, res *ConfirmResult) (*Confirmation, error) {
	now := e.now().UTC()
	o := Outcome{GatewayReference: res.Reference, GatewayStatus: res.Status, At: now}

	next := heldStatus(snap.Status, res.Status)
	if next == snap.Status {
		if err := e.repo.RecordGatewayStatus(ctx, snap.ID, o); err != nil {
			return nil, fmt.Errorf("record gateway status: %w", err)
		}
	} else {
		won, err := e.repo.Transition(ctx, snap.ID, snap.Status, next, o)
		if err != nil {
			return nil, fmt.Errorf("hold snapshot: %w", err)
		}
		if !won {
			return e.settled(ctx, snap.ID)
		}
	}

	snap.Status = next
	snap.GatewayReference = res.Reference
	snap.GatewayStatus = res.Status
	snap.UpdatedAt = now
	return &Confirmation{Snapshot: snap, GatewayStatus: res.Status, NextActionURL: res.NextActionURL}, nil
}

func heldStatus(current Status, gs GatewayStatus) Status {
	next := current
	switch gs {
	case GatewayProcessing:
		next = StatusProcessing
	case GatewayRequiresAction:
		next = StatusRequiresAction
	}
	if next != current && !current.CanTransitionTo(next) {
		return current
	}
	return next
}

// settled re-reads a snapshot another caller changed first.
func (e *Engine) settled(ctx context.Context, snapshotID string) (*Confirmation, error) {
	snap, err := e.repo.Get(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("reload snapshot: %w", err)
	}
	if !snap.Status.IsTerminal() {
		return nil, apperror.NewConcurrentModification("payment", snapshotID)
	}
	return &Confirmation{Snapshot: snap, GatewayStatus: snap.GatewayStatus}, nil
}

// RenewalCharge is one off-session renewal attempt.
type RenewalCharge struct {
	Subscription *billing.Subscription
	// Target is the entitlement the next cycle bills.
	Target        billing.Entitlement
	Amount        types.Money
	Currency      string
	PaymentMethod string
}

// RenewalKey names one charge attempt for a subscription cycle. It changes
// when the cycle renews or a failed attempt is recorded.
func RenewalKey(sub *billing.Subscription) string {
	cycle := "initial"
	if sub.NextRenewalAt != nil {
		cycle = sub.NextRenewalAt.UTC().Format("2006-01-02")
	}
	return "renewal:" + sub.ID + ":" + cycle + ":" + strconv.Itoa(sub.FailedRenewalAttempts)
}

// ChargeRenewal charges a renewal with the customer absent. Completing the
// snapshot renews the subscription in the same transaction.
//
// The snapshot ID and the gateway idempotency key both derive from
// RenewalKey, so retrying an attempt settles the snapshot it already opened
// and never opens a second charge. A decline records the renewal failure
// and returns PAYMENT_DECLINED along with the updated subscription.
func (e *Engine) ChargeRenewal(ctx context.Context, rc RenewalCharge) (*Confirmation, error) {
	key := RenewalKey(rc.Subscription)
	snap, err := e.repo.Get(ctx, id.FromKey(key))
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		if snap, err = e.openRenewal(ctx, key, rc); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load renewal snapshot: %w", err)
	}
	if snap.Status.IsTerminal() {
		return &Confirmation{Snapshot: snap, GatewayStatus: snap.GatewayStatus}, nil
	}

	return e.settle(ctx, snap, ConfirmRequest{
		Reference:     snap.GatewayReference,
		CustomerID:    rc.Subscription.TenantID,
		PaymentMethod: rc.PaymentMethod,
	}, e.renewal())
}

func (e *Engine) openRenewal(ctx context.Context, key string, rc RenewalCharge) (*Snapshot, error) {
	sub := rc.Subscription
	now := e.now().UTC()
	start := now
	if sub.NextRenewalAt != nil {
		start = sub.NextRenewalAt.UTC()
	}
	snap := &Snapshot{
		ID:         id.FromKey(key),
		TenantID:   sub.TenantID,
		Kind:       billing.KindRenewal,
		Amount:     rc.Amount,
		Currency:   rc.Currency,
		Status:     StatusPending,
		Gateway:    e.gateway.Name(),
		Target:     NewTarget(rc.Target),
		CycleStart: start,
		CycleEnd:   billing.NextCycle(start),
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"attempt":         strconv.Itoa(sub.FailedRenewalAttempts + 1),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	ref, err := e.gateway.CreatePaymentIntent(ctx, IntentRequest{
		CustomerID:  sub.TenantID,
		Amount:      snap.Amount,
		Currency:    snap.Currency,
		Description: "Worktally renewal " + start.Format("2006-01-02"),
		Metadata: map[string]string{
			"tenant_id":       sub.TenantID,
			"subscription_id": sub.ID,
			"snapshot_id":     snap.ID,
			"kind":            string(billing.KindRenewal),
		},
		IdempotencyKey: key,
	})
	if err != nil {
		logger.Error(ctx, "create renewal intent failed", "tenant_id", sub.TenantID, "error", err)
		return nil, apperror.NewPaymentGateway(err)
	}
	snap.GatewayReference = ref.Reference
	snap.GatewayStatus = ref.Status

	if err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return e.repo.Create(ctx, snap)
	}); err != nil {
		// Another worker opened the same attempt first.
		if existing, gerr := e.repo.Get(ctx, snap.ID); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create renewal snapshot: %w", err)
	}

	e.log.WithContext(ctx).Infow("renewal charge opened",
		"snapshot_id", snap.ID,
		"tenant_id", snap.TenantID,
		"amount", snap.Amount.String(),
	)
	return snap, nil
}

// Cancel abandons an open checkout snapshot that has not been charged.
func (e *Engine) Cancel(ctx context.Context, tenantID, snapshotID string) (*Snapshot, error) {
	snap, err := e.Get(ctx, tenantID, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status == StatusCanceled {
		return snap, nil
	}
	switch {
	case snap.Kind == billing.KindRenewal:
		return nil, apperror.NewConflict("renewal payments cannot be canceled").
			WithDetail("payment_id", snapshotID)
	case snap.GatewayStatus == GatewaySucceeded:
		return nil, apperror.NewConflict("payment was already captured").
			WithDetail("payment_id", snapshotID)
	case !snap.Status.CanTransitionTo(StatusCanceled):
		return nil, apperror.NewConflict(fmt.Sprintf("payment is already %s", snap.Status)).
			WithDetail("payment_id", snapshotID)
	}

	now := e.now().UTC()
	won, err := e.repo.Transition(ctx, snapshotID, snap.Status, StatusCanceled, Outcome{
		GatewayReference: snap.GatewayReference,
		GatewayStatus:    snap.GatewayStatus,
		FailureReason:    "canceled",
		At:               now,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel snapshot: %w", err)
	}
	if !won {
		res, err := e.settled(ctx, snapshotID)
		if err != nil {
			return nil, err
		}
		if res.Snapshot.Status != StatusCanceled {
			return nil, apperror.NewConflict(fmt.Sprintf("payment is already %s", res.Snapshot.Status))
		}
		return res.Snapshot, nil
	}
	snap.Status = StatusCanceled
	snap.FailureReason = "canceled"
	snap.UpdatedAt = now
	return snap, nil
}

// History lists the tenant's snapshots, newest first.
func (e *Engine) History(ctx context.Context, tenantID string, f HistoryFilter) ([]*Snapshot, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown payment status %q", f.Status)).
			WithDetail("field", "status")
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	list, err := e.repo.ListByTenant(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return list, nil
}
