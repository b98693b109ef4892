package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"worktally/internal/core/apperror"
	"worktally/internal/core/event"
	"worktally/internal/core/id"
	"worktally/internal/core/tenant"
	"worktally/internal/core/tx"
	"worktally/internal/core/types"
	"worktally/pkg/logger"
)

// ChangeKind classifies a paid change.
type ChangeKind string

const (
	KindPlanChange   ChangeKind = "plan_change"
	KindSeatIncrease ChangeKind = "seat_increase"
	KindAddon        ChangeKind = "addon"
	// KindRenewal is the off-session charge that starts a new cycle.
	KindRenewal ChangeKind = "renewal"
)

// Valid reports whether k is a change a tenant can check out.
func (k ChangeKind) Valid() bool {
	return k == KindPlanChange || k == KindSeatIncrease || k == KindAddon
}

// Quote is the price of moving from the current entitlement to Target.
type Quote struct {
	Kind         ChangeKind  `json:"kind"`
	TenantID     string      `json:"tenant_id"`
	Current      Entitlement `json:"current"`
	Target       Entitlement `json:"target"`
	Seats        int         `json:"seats"`
	ActiveUsers  int         `json:"active_users"`
	PricePerUser types.Money `json:"price_per_user"`
	Amount       types.Money `json:"amount"`
	Currency     string      `json:"currency"`
	RenewsAt     *time.Time  `json:"renews_at,omitempty"`
}

// ChangeRequest asks for a plan and seat limit. A nil UserLimit keeps the
// purchased seats.
type ChangeRequest struct {
	Plan      PlanTier
	UserLimit *int
}

// SubscriptionChangedPayload is the outbox payload of event.SubscriptionChanged.
type SubscriptionChangedPayload struct {
	TenantID  string   `json:"tenant_id"`
	Reason    string   `json:"reason"`
	Plan      PlanTier `json:"plan"`
	UserLimit *int     `json:"user_limit"`
	Addons    AddonSet `json:"addons"`
	Status    Status   `json:"status"`
	Version   int      `json:"version"`
}

// ServiceConfig configures Service.
type ServiceConfig struct {
	Subscriptions SubscriptionRepository
	Licenses      LicenseRepository
	Seats         SeatCounter
	// TxManager runs transactions on the central database.
	TxManager tx.Manager
	// Events and Audit are optional.
	Events  event.Publisher
	Audit   Auditor
	Catalog Catalog
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *logger.Logger
}

// Service applies subscription changes. Every mutation runs in one central
// transaction guarded by the subscription version.
type Service struct {
	subs     SubscriptionRepository
	licenses LicenseRepository
	seats    SeatCounter
	txm      tx.Manager
	events   event.Publisher
	audit    Auditor
	catalog  Catalog
	now      func() time.Time
	log      *logger.Logger
}

// NewService creates a billing service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		subs:     cfg.Subscriptions,
		licenses: cfg.Licenses,
		seats:    cfg.Seats,
		txm:      cfg.TxManager,
		events:   cfg.Events,
		audit:    cfg.Audit,
		catalog:  cfg.Catalog,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
	if s.txm == nil {
		s.txm = tx.Passthrough
	}
	if s.catalog.PerUser == nil {
		s.catalog = DefaultCatalog(s.catalog.Currency)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	s.log = s.log.WithComponent("billing")
	return s
}

// Catalog returns the price list in use.
func (s *Service) Catalog() Catalog { return s.catalog }

func (s *Service) clock() time.Time { return s.now().UTC() }

// Get returns the tenant's subscription.
func (s *Service) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.subs.GetByTenantID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, apperror.NewSubscriptionNotFound(tenantID)
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// StartTrial creates the tenant's subscription in the trialing state.
func (s *Service) StartTrial(ctx context.Context, tenantID string, plan PlanTier, limit *int, trial time.Duration) (*Subscription, error) {
	if !plan.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown plan %q", plan)).WithDetail("field", "plan")
	}
	if err := ValidateSeatLimit(plan, limit, 0); err != nil {
		return nil, err
	}

	now := s.clock()
	trialEnd := now.Add(trial)
	sub := &Subscription{
		ID:            id.NewString(),
		TenantID:      tenantID,
		Status:        StatusTrialing,
		Addons:        AddonSet{},
		TrialEndsAt:   &trialEnd,
		NextRenewalAt: cloneTime(&trialEnd),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sub.SetPlan(plan, limit)

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.subs.Create(ctx, sub); err != nil {
			if errors.Is(err, ErrSubscriptionExists) {
				return apperror.NewConflict("tenant already has a subscription").WithDetail("tenant_id", tenantID)
			}
			return fmt.Errorf("create subscription: %w", err)
		}
		return s.afterWrite(ctx, sub, "trial_started", nil)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Upgrade validates and prices an immediate upgrade. It never mutates state;
// the change is applied by a completed payment.
//
// Checks run in order: starter cap, seat limit against active users, then
// direction of the change.
func (s *Service) Upgrade(ctx context.Context, tc *tenant.Context, req ChangeRequest) (*Quote, error) {
	if !req.Plan.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown plan %q", req.Plan)).WithDetail("field", "plan")
	}
	sub, err := s.Get(ctx, tc.ID())
	if err != nil {
		return nil, err
	}
	if err := requireEntitled(sub); err != nil {
		return nil, err
	}
	active, err := s.countSeats(ctx, tc)
	if err != nil {
		return nil, err
	}

	if req.Plan == PlanStarter && active > StarterSeatCap {
		return nil, apperror.NewLicenseLimitExceeded(StarterSeatCap, active)
	}

	limit := req.UserLimit
	if req.Plan != sub.Plan {
		target := TargetSeatsForPlanChange(sub, req.Plan)
		if limit != nil && !sameLimit(limit, target) && req.Plan != PlanStarter {
			return nil, apperror.NewInvalidPlanTransition("a plan change keeps the purchased seats; change seats separately").
				WithDetail("user_limit", target)
		}
		limit = target
	} else if req.Plan == PlanStarter {
		limit = intPtr(StarterSeatCap)
	}
	if err := ValidateSeatLimit(req.Plan, limit, active); err != nil {
		return nil, err
	}

	q := &Quote{
		TenantID:     sub.TenantID,
		Current:      sub.Entitlement(),
		Target:       Entitlement{Plan: req.Plan, UserLimit: cloneInt(limit), Addons: sub.Entitlement().Addons},
		ActiveUsers:  active,
		PricePerUser: s.catalog.PricePerUser(req.Plan),
		Currency:     s.catalog.Currency,
		RenewsAt:     cloneTime(sub.NextRenewalAt),
	}

	switch {
	case req.Plan.Above(sub.Plan):
		q.Kind = KindPlanChange
		q.Seats = BillableSeats(limit, active)
		q.Amount = FullPlanPrice(q.PricePerUser, q.Seats)
	case req.Plan == sub.Plan:
		if limit == nil || sub.UserLimit == nil || *limit == *sub.UserLimit {
			return nil, apperror.NewInvalidPlanTransition("subscription already has this plan and seat limit")
		}
		if *limit < *sub.UserLimit {
			return nil, apperror.NewInvalidPlanTransition("seat reductions apply at renewal; schedule a downgrade")
		}
		q.Kind = KindSeatIncrease
		q.Seats = *limit
		q.Amount = SeatIncreaseAmount(q.PricePerUser, *sub.UserLimit, *limit)
	default:
		return nil, apperror.NewInvalidPlanTransition("downgrades apply at renewal; schedule a downgrade").
			WithDetail("from", sub.Plan).
			WithDetail("to", req.Plan)
	}
	return q, nil
}

// QuoteAddon prices enabling addon for the rest of the cycle.
func (s *Service) QuoteAddon(ctx context.Context, tc *tenant.Context, addon Addon) (*Quote, error) {
	if _, err := ParseAddon(string(addon)); err != nil {
		return nil, apperror.NewValidation(err.Error()).WithDetail("field", "addon")
	}
	sub, err := s.Get(ctx, tc.ID())
	if err != nil {
		return nil, err
	}
	if err := requireEntitled(sub); err != nil {
		return nil, err
	}
	if sub.Addons.Has(addon) {
		return nil, apperror.NewInvalidPlanTransition(fmt.Sprintf("addon %s is already active", addon))
	}
	active, err := s.countSeats(ctx, tc)
	if err != nil {
		return nil, err
	}

	current := sub.Entitlement()
	seats := BillableSeats(sub.UserLimit, active)
	perUser := s.catalog.PricePerUser(sub.Plan)
	return &Quote{
		Kind:         KindAddon,
		TenantID:     sub.TenantID,
		Current:      current,
		Target:       Entitlement{Plan: sub.Plan, UserLimit: cloneInt(sub.UserLimit), Addons: current.Addons.With(addon)},
		Seats:        seats,
		ActiveUsers:  active,
		PricePerUser: perUser,
		Amount:       AddonPrice(FullPlanPrice(perUser, seats), addon),
		Currency:     s.catalog.Currency,
		RenewsAt:     cloneTime(sub.NextRenewalAt),
	}, nil
}

// ApplyEntitlement applies a paid entitlement. It joins the caller's
// transaction when there is one. usedSeats may be nil.
func (s *Service) ApplyEntitlement(ctx context.Context, tenantID string, e Entitlement, usedSeats *int) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "payment_completed", usedSeats, func(sub *Subscription) error {
		if err := requireEntitled(sub); err != nil {
			return err
		}
		if sub.Status != StatusActive {
			if err := sub.TransitionTo(StatusActive); err != nil {
				return err
			}
			sub.FailedRenewalAttempts = 0
			sub.GracePeriodUntil = nil
		}
		sub.ApplyEntitlement(e)
		return nil
	})
}

// RequireEntitled fails with INVALID_PLAN_TRANSITION when the tenant's
// subscription cannot take a paid change right now.
func (s *Service) RequireEntitled(ctx context.Context, tenantID string) error {
	sub, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	return requireEntitled(sub)
}

// ScheduleDowngrade records a plan or seat reduction for the next renewal.
// Plan and user limit are left untouched.
func (s *Service) ScheduleDowngrade(ctx context.Context, tc *tenant.Context, req ChangeRequest) (*Subscription, error) {
	if !req.Plan.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown plan %q", req.Plan)).WithDetail("field", "plan")
	}
	active, err := s.countSeats(ctx, tc)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, tc.ID(), "downgrade_scheduled", &active, func(sub *Subscription) error {
		if err := requireEntitled(sub); err != nil {
			return err
		}
		if req.Plan.Above(sub.Plan) {
			return apperror.NewInvalidPlanTransition("upgrades require checkout").
				WithDetail("from", sub.Plan).
				WithDetail("to", req.Plan)
		}

		limit := req.UserLimit
		if req.Plan == PlanStarter {
			limit = intPtr(StarterSeatCap)
		} else if limit == nil {
			limit = TargetSeatsForPlanChange(sub, req.Plan)
		}
		if req.Plan == sub.Plan {
			if limit == nil || (sub.UserLimit != nil && *limit >= *sub.UserLimit) {
				return apperror.NewInvalidPlanTransition("a downgrade must lower the plan or the seat limit")
			}
		}
		if err := ValidateSeatLimit(req.Plan, limit, active); err != nil {
			return err
		}

		plan := req.Plan
		sub.PendingPlan = &plan
		sub.PendingUserLimit = cloneInt(limit)
		return nil
	})
}

// ApplyPendingAtRenewal applies a scheduled downgrade. Without one it is a
// no-op and reports false.
func (s *Service) ApplyPendingAtRenewal(ctx context.Context, tenantID string) (*Subscription, bool, error) {
	sub, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if !sub.HasPendingChange() {
		return sub, false, nil
	}
	sub, err = s.mutate(ctx, tenantID, "downgrade_applied", nil, func(sub *Subscription) error {
		applyPending(sub)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func applyPending(sub *Subscription) bool {
	if !sub.HasPendingChange() {
		return false
	}
	plan := sub.Plan
	if sub.PendingPlan != nil {
		plan = *sub.PendingPlan
	}
	sub.SetPlan(plan, sub.PendingUserLimit)
	sub.clearPending()
	return true
}

// CancelScheduledDowngrade withdraws a scheduled downgrade. It is rejected
// within DowngradeCancelWindow of the next renewal.
func (s *Service) CancelScheduledDowngrade(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "downgrade_canceled", nil, func(sub *Subscription) error {
		if !sub.HasPendingChange() {
			return apperror.NewInvalidPlanTransition("no downgrade is scheduled")
		}
		if !CanCancelScheduledDowngrade(sub.NextRenewalAt, s.clock()) {
			return apperror.NewInvalidPlanTransition("a scheduled downgrade cannot be canceled within 24 hours of renewal").
				WithDetail("next_renewal_at", sub.NextRenewalAt)
		}
		sub.clearPending()
		return nil
	})
}

// ToggleAddon adds or removes addon. Two calls restore the original set.
func (s *Service) ToggleAddon(ctx context.Context, tenantID string, addon Addon) (*Subscription, error) {
	if _, err := ParseAddon(string(addon)); err != nil {
		return nil, apperror.NewValidation(err.Error()).WithDetail("field", "addon")
	}
	return s.mutate(ctx, tenantID, "addon_toggled", nil, func(sub *Subscription) error {
		if err := requireEntitled(sub); err != nil {
			return err
		}
		sub.Addons = sub.Addons.Toggle(addon)
		return nil
	})
}

// Activate moves a trialing, past-due or paused subscription to active.
func (s *Service) Activate(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "activated", nil, func(sub *Subscription) error {
		if err := sub.TransitionTo(StatusActive); err != nil {
			return err
		}
		sub.FailedRenewalAttempts = 0
		sub.GracePeriodUntil = nil
		return nil
	})
}

// Pause suspends an active subscription.
func (s *Service) Pause(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "paused", nil, func(sub *Subscription) error {
		if sub.Status != StatusActive {
			return apperror.NewInvalidPlanTransition(fmt.Sprintf("only an active subscription can be paused, status is %s", sub.Status))
		}
		return sub.TransitionTo(StatusPaused)
	})
}

// Resume reactivates a paused subscription.
func (s *Service) Resume(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "resumed", nil, func(sub *Subscription) error {
		if sub.Status != StatusPaused {
			return apperror.NewInvalidPlanTransition(fmt.Sprintf("only a paused subscription can be resumed, status is %s", sub.Status))
		}
		return sub.TransitionTo(StatusActive)
	})
}

// Cancel ends the subscription.
func (s *Service) Cancel(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "canceled", nil, func(sub *Subscription) error {
		if sub.Status == StatusCanceled {
			return apperror.NewInvalidPlanTransition("subscription is already canceled")
		}
		if err := sub.TransitionTo(StatusCanceled); err != nil {
			return err
		}
		now := s.clock()
		sub.CanceledAt = &now
		sub.clearPending()
		return nil
	})
}

// RecordRenewalFailure counts a failed renewal charge. An active
// subscription becomes past due with a grace window; reaching
// MaxRenewalAttempts, or failing at the end of a trial, cancels it.
func (s *Service) RecordRenewalFailure(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "renewal_failed", nil, func(sub *Subscription) error {
		now := s.clock()
		sub.FailedRenewalAttempts++

		if sub.Status == StatusTrialing || sub.FailedRenewalAttempts >= MaxRenewalAttempts {
			if err := sub.TransitionTo(StatusCanceled); err != nil {
				return err
			}
			sub.CanceledAt = &now
			sub.GracePeriodUntil = nil
			return nil
		}
		if err := sub.TransitionTo(StatusPastDue); err != nil {
			return err
		}
		if sub.GracePeriodUntil == nil {
			grace := now.Add(GracePeriod)
			sub.GracePeriodUntil = &grace
		}
		return nil
	})
}

// Renew closes the current cycle: applies a scheduled downgrade, advances
// the renewal date and clears failure state.
func (s *Service) Renew(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "renewed", nil, func(sub *Subscription) error {
		if err := requireEntitled(sub); err != nil {
			return err
		}
		if err := sub.TransitionTo(StatusActive); err != nil {
			return err
		}
		applyPending(sub)

		now := s.clock()
		base := now
		if sub.NextRenewalAt != nil {
			base = *sub.NextRenewalAt
		}
		next := NextCycle(base)
		for !next.After(now) {
			next = NextCycle(next)
		}
		sub.NextRenewalAt = &next
		sub.FailedRenewalAttempts = 0
		sub.GracePeriodUntil = nil
		return nil
	})
}

// ExpireGrace cancels a past-due subscription whose grace window has ended.
// It reports whether the subscription was canceled.
func (s *Service) ExpireGrace(ctx context.Context, tenantID string) (*Subscription, bool, error) {
	sub, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	now := s.clock()
	if sub.Status != StatusPastDue || sub.GracePeriodUntil == nil || now.Before(*sub.GracePeriodUntil) {
		return sub, false, nil
	}
	sub, err = s.mutate(ctx, tenantID, "grace_expired", nil, func(sub *Subscription) error {
		if err := sub.TransitionTo(StatusCanceled); err != nil {
			return err
		}
		sub.CanceledAt = &now
		sub.GracePeriodUntil = nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// DueForRenewal lists subscriptions whose renewal date has passed.
func (s *Service) DueForRenewal(ctx context.Context, limit int) ([]*Subscription, error) {
	return s.subs.ListDueForRenewal(ctx, s.clock(), limit)
}

// GraceExpired lists past-due subscriptions whose grace window has ended.
func (s *Service) GraceExpired(ctx context.Context, limit int) ([]*Subscription, error) {
	return s.subs.ListGraceExpired(ctx, s.clock(), limit)
}

// mutate loads the subscription, applies fn to a copy and writes it back with
// the version check, then refreshes the license and records an event.
func (s *Service) mutate(ctx context.Context, tenantID, reason string, usedSeats *int, fn func(*Subscription) error) (*Subscription, error) {
	var out *Subscription
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.UpdatedAt = s.clock()
		if err := s.subs.Update(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return apperror.NewConcurrentModification("subscription", current.ID)
			}
			return fmt.Errorf("update subscription: %w", err)
		}
		if err := s.afterWrite(ctx, next, reason, usedSeats); err != nil {
			return err
		}
		if s.audit != nil {
			if err := s.audit.RecordChange(ctx, tenantID, "subscription", current.ID, reason, current, next); err != nil {
				return fmt.Errorf("audit subscription: %w", err)
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Infow("subscription changed",
		"tenant_id", tenantID,
		"reason", reason,
		"plan", out.Plan,
		"status", out.Status,
		"version", out.Version,
	)
	return out, nil
}

func (s *Service) afterWrite(ctx context.Context, sub *Subscription, reason string, usedSeats *int) error {
	if s.licenses != nil {
		if err := s.licenses.Sync(ctx, LicenseFor(sub, s.catalog, usedSeats, sub.UpdatedAt)); err != nil {
			return fmt.Errorf("sync license: %w", err)
		}
	}
	if s.events == nil {
		return nil
	}
	err := s.events.Publish(ctx, event.Event{
		AggregateType: "subscription",
		AggregateID:   sub.TenantID,
		Type:          event.SubscriptionChanged,
		Payload: SubscriptionChangedPayload{
			TenantID:  sub.TenantID,
			Reason:    reason,
			Plan:      sub.Plan,
			UserLimit: sub.UserLimit,
			Addons:    sub.Addons,
			Status:    sub.Status,
			Version:   sub.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("publish subscription event: %w", err)
	}
	return nil
}

func (s *Service) countSeats(ctx context.Context, tc *tenant.Context) (int, error) {
	n, err := s.seats.CountActiveUsers(ctx, tc)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

func requireEntitled(sub *Subscription) error {
	if !sub.Status.Entitled() {
		return apperror.NewInvalidPlanTransition(fmt.Sprintf("subscription is %s", sub.Status)).
			WithDetail("status", sub.Status)
	}
	return nil
}

func sameLimit(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
