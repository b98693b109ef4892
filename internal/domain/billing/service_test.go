package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"worktally/internal/core/apperror"
	"worktally/internal/core/event"
	"worktally/internal/core/tenant"
	"worktally/internal/core/tenant/tenanttest"
	"worktally/internal/core/tx"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/billing/billingtest"
	"worktally/pkg/logger"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type ServiceSuite struct {
	suite.Suite
	subs     *billingtest.Subscriptions
	licenses *billingtest.Licenses
	seats    billingtest.Seats
	events   *recorder
	svc      *billing.Service
	tc       *tenant.Context
	clock    time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	renewal := now.Add(10 * 24 * time.Hour)
	s.subs = billingtest.NewSubscriptions(&billing.Subscription{
		ID:            "sub-1",
		TenantID:      "t-acme",
		Plan:          billing.PlanTeam,
		UserLimit:     billingtest.Int(5),
		Addons:        billing.AddonSet{},
		Status:        billing.StatusActive,
		NextRenewalAt: &renewal,
	})
	s.licenses = billingtest.NewLicenses()
	s.seats = billingtest.Seats{"t-acme": 3}
	s.events = &recorder{}
	s.clock = now
	s.svc = billing.NewService(billing.ServiceConfig{
		Subscriptions: s.subs,
		Licenses:      s.licenses,
		Seats:         s.seats,
		TxManager:     tx.Passthrough,
		Events:        s.events,
		Now:           func() time.Time { return s.clock },
		Logger:        logger.NewNop(),
	})
	s.tc = tenant.NewStaticContext(&tenant.Tenant{ID: "t-acme", Slug: "acme"}, tenanttest.NewDB("acme_db"), tx.Passthrough)
}

func (s *ServiceSuite) stored() *billing.Subscription {
	return s.subs.Peek("t-acme")
}

func (s *ServiceSuite) requireCode(err error, code string) {
	s.T().Helper()
	s.Require().Error(err)
	s.True(apperror.HasCode(err, code), "want %s, got %v", code, err)
}

func (s *ServiceSuite) TestUpgrade_StarterRejectedWithThreeActives() {
	_, err := s.svc.Upgrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanStarter})
	s.requireCode(err, apperror.CodeLicenseLimitExceeded)
}

func (s *ServiceSuite) TestUpgrade_SeatIncreaseQuotesDelta() {
	q, err := s.svc.Upgrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(8)})
	s.Require().NoError(err)

	s.Equal(billing.KindSeatIncrease, q.Kind)
	s.Equal("36", q.Amount.String())
	s.Equal(8, *q.Target.UserLimit)
	s.Equal("EUR", q.Currency)
	s.Zero(s.subs.Updates, "quote must not mutate")
	s.Equal(5, *s.stored().UserLimit)
}

func (s *ServiceSuite) TestUpgrade_PlanChangeKeepsSeats() {
	q, err := s.svc.Upgrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanEnterprise})
	s.Require().NoError(err)

	s.Equal(billing.KindPlanChange, q.Kind)
	s.Equal(5, *q.Target.UserLimit)
	s.Equal("95", q.Amount.String())

	_, err = s.svc.Upgrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanEnterprise, UserLimit: billingtest.Int(9)})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)
}

func (s *ServiceSuite) TestUpgrade_FromStarterTargetsTwoSeats() {
	sub := s.stored()
	sub.SetPlan(billing.PlanStarter, nil)
	s.seats["t-acme"] = 2

	q, err := s.svc.Upgrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanTeam})
	s.Require().NoError(err)
	s.Equal(2, *q.Target.UserLimit)
	s.Equal("24", q.Amount.String())
}

func (s *ServiceSuite) TestUpgrade_Rejections() {
	ctx := context.Background()

	_, err := s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(2)})
	s.requireCode(err, apperror.CodeLicenseLimitExceeded)

	_, err = s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(4)})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	_, err = s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(5)})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	s.seats["t-acme"] = 1
	_, err = s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanStarter})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	_, err = s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: "gold"})
	s.requireCode(err, apperror.CodeValidation)

	s.stored().Status = billing.StatusCanceled
	_, err = s.svc.Upgrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanEnterprise})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)
}

func (s *ServiceSuite) TestUpgrade_NoSubscription() {
	other := tenant.NewStaticContext(&tenant.Tenant{ID: "t-ghost", Slug: "ghost"}, tenanttest.NewDB("ghost"), tx.Passthrough)
	_, err := s.svc.Upgrade(context.Background(), other, billing.ChangeRequest{Plan: billing.PlanTeam})
	s.requireCode(err, apperror.CodeSubscriptionNotFound)
}

func (s *ServiceSuite) TestQuoteAddon() {
	q, err := s.svc.QuoteAddon(context.Background(), s.tc, billing.AddonAIAssistant)
	s.Require().NoError(err)
	s.Equal(billing.KindAddon, q.Kind)
	s.Equal("9", q.Amount.String())
	s.Equal(billing.AddonSet{billing.AddonAIAssistant}, q.Target.Addons)

	_, err = s.svc.QuoteAddon(context.Background(), s.tc, "teleport")
	s.requireCode(err, apperror.CodeValidation)
}

func (s *ServiceSuite) TestScheduleDowngrade_OnlyWritesPending() {
	s.seats["t-acme"] = 2
	sub, err := s.svc.ScheduleDowngrade(context.Background(), s.tc, billing.ChangeRequest{Plan: billing.PlanStarter})
	s.Require().NoError(err)

	s.Equal(billing.PlanTeam, sub.Plan)
	s.Equal(5, *sub.UserLimit)
	s.Require().NotNil(sub.PendingPlan)
	s.Equal(billing.PlanStarter, *sub.PendingPlan)
	s.Equal(2, *sub.PendingUserLimit)
	s.Equal(2, sub.Version)

	lic, err := s.licenses.GetByTenantID(context.Background(), "t-acme")
	s.Require().NoError(err)
	s.Equal(2, *lic.UsedSeats)
	s.Equal(5, *lic.PurchasedSeats)
}

func (s *ServiceSuite) TestScheduleDowngrade_Rejections() {
	ctx := context.Background()

	_, err := s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanStarter})
	s.requireCode(err, apperror.CodeLicenseLimitExceeded)

	_, err = s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanEnterprise})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	_, err = s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(6)})
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	_, err = s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(2)})
	s.requireCode(err, apperror.CodeLicenseLimitExceeded)

	s.False(s.stored().HasPendingChange())
	s.Zero(s.subs.Updates)
}

func (s *ServiceSuite) TestApplyPendingAtRenewal() {
	ctx := context.Background()

	sub, applied, err := s.svc.ApplyPendingAtRenewal(ctx, "t-acme")
	s.Require().NoError(err)
	s.False(applied)
	s.Equal(billing.PlanTeam, sub.Plan)
	s.Zero(s.subs.Updates)

	_, err = s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(3)})
	s.Require().NoError(err)

	sub, applied, err = s.svc.ApplyPendingAtRenewal(ctx, "t-acme")
	s.Require().NoError(err)
	s.True(applied)
	s.Equal(3, *sub.UserLimit)
	s.Nil(sub.PendingPlan)
	s.Nil(sub.PendingUserLimit)
}

func (s *ServiceSuite) TestCancelScheduledDowngrade() {
	ctx := context.Background()

	_, err := s.svc.CancelScheduledDowngrade(ctx, "t-acme")
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	_, err = s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(4)})
	s.Require().NoError(err)

	sub, err := s.svc.CancelScheduledDowngrade(ctx, "t-acme")
	s.Require().NoError(err)
	s.False(sub.HasPendingChange())
}

func (s *ServiceSuite) TestCancelScheduledDowngrade_TwoHoursBeforeRenewal() {
	ctx := context.Background()
	_, err := s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanTeam, UserLimit: billingtest.Int(4)})
	s.Require().NoError(err)

	s.clock = s.stored().NextRenewalAt.Add(-2 * time.Hour)

	_, err = s.svc.CancelScheduledDowngrade(ctx, "t-acme")
	s.requireCode(err, apperror.CodeInvalidPlanTransition)
	s.True(s.stored().HasPendingChange())
}

func (s *ServiceSuite) TestToggleAddon_TwiceRestores() {
	ctx := context.Background()

	sub, err := s.svc.ToggleAddon(ctx, "t-acme", billing.AddonPlanning)
	s.Require().NoError(err)
	s.True(sub.Addons.Has(billing.AddonPlanning))

	sub, err = s.svc.ToggleAddon(ctx, "t-acme", billing.AddonPlanning)
	s.Require().NoError(err)
	s.Empty(sub.Addons)

	s.Len(s.events.events, 2)
	s.Equal(event.SubscriptionChanged, s.events.events[0].Type)
	payload := s.events.events[1].Payload.(billing.SubscriptionChangedPayload)
	s.Equal("addon_toggled", payload.Reason)
	s.Equal(3, payload.Version)
}

func (s *ServiceSuite) TestVersionConflictIsConcurrentModification() {
	s.subs.FailUpdate = billing.ErrVersionConflict
	_, err := s.svc.ToggleAddon(context.Background(), "t-acme", billing.AddonPlanning)
	s.requireCode(err, apperror.CodeConcurrentModification)
	s.Empty(s.events.events)
}

func (s *ServiceSuite) TestStorageFailureIsNotAppError() {
	s.subs.FailUpdate = errors.New("connection reset")
	_, err := s.svc.ToggleAddon(context.Background(), "t-acme", billing.AddonPlanning)
	s.Require().Error(err)
	_, ok := apperror.AsAppError(err)
	s.False(ok)
}

func (s *ServiceSuite) TestApplyEntitlement_ActivatesAndClearsPending() {
	ctx := context.Background()
	sub := s.stored()
	sub.Status = billing.StatusTrialing
	pending := billing.PlanStarter
	sub.PendingPlan = &pending

	out, err := s.svc.ApplyEntitlement(ctx, "t-acme", billing.Entitlement{
		Plan: billing.PlanEnterprise, UserLimit: billingtest.Int(5), Addons: billing.AddonSet{billing.AddonWorkflows},
	}, billingtest.Int(3))
	s.Require().NoError(err)
	s.Equal(billing.StatusActive, out.Status)
	s.Equal(billing.PlanEnterprise, out.Plan)
	s.False(out.HasPendingChange())
	s.True(out.Addons.Has(billing.AddonWorkflows))
}

func (s *ServiceSuite) TestStatusLifecycle() {
	ctx := context.Background()

	sub, err := s.svc.Pause(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusPaused, sub.Status)

	_, err = s.svc.Pause(ctx, "t-acme")
	s.requireCode(err, apperror.CodeInvalidPlanTransition)

	sub, err = s.svc.Resume(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusActive, sub.Status)

	sub, err = s.svc.Cancel(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusCanceled, sub.Status)
	s.NotNil(sub.CanceledAt)

	_, err = s.svc.Activate(ctx, "t-acme")
	s.requireCode(err, apperror.CodeInvalidPlanTransition)
}

func (s *ServiceSuite) TestRenewalFailuresThenCancel() {
	ctx := context.Background()

	sub, err := s.svc.RecordRenewalFailure(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusPastDue, sub.Status)
	s.Equal(1, sub.FailedRenewalAttempts)
	s.Require().NotNil(sub.GracePeriodUntil)
	s.Equal(now.Add(billing.GracePeriod), *sub.GracePeriodUntil)

	sub, err = s.svc.RecordRenewalFailure(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusPastDue, sub.Status)

	sub, err = s.svc.RecordRenewalFailure(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusCanceled, sub.Status)
	s.Equal(billing.MaxRenewalAttempts, sub.FailedRenewalAttempts)
}

func (s *ServiceSuite) TestExpireGrace() {
	ctx := context.Background()
	_, err := s.svc.RecordRenewalFailure(ctx, "t-acme")
	s.Require().NoError(err)

	_, expired, err := s.svc.ExpireGrace(ctx, "t-acme")
	s.Require().NoError(err)
	s.False(expired)

	s.clock = now.Add(billing.GracePeriod + time.Minute)
	due, err := s.svc.GraceExpired(ctx, 10)
	s.Require().NoError(err)
	s.Len(due, 1)

	sub, expired, err := s.svc.ExpireGrace(ctx, "t-acme")
	s.Require().NoError(err)
	s.True(expired)
	s.Equal(billing.StatusCanceled, sub.Status)
}

func (s *ServiceSuite) TestRenew() {
	ctx := context.Background()
	s.seats["t-acme"] = 2
	_, err := s.svc.ScheduleDowngrade(ctx, s.tc, billing.ChangeRequest{Plan: billing.PlanStarter})
	s.Require().NoError(err)
	_, err = s.svc.RecordRenewalFailure(ctx, "t-acme")
	s.Require().NoError(err)

	renewal := *s.stored().NextRenewalAt
	s.clock = renewal.Add(time.Hour)

	due, err := s.svc.DueForRenewal(ctx, 10)
	s.Require().NoError(err)
	s.Len(due, 1)

	sub, err := s.svc.Renew(ctx, "t-acme")
	s.Require().NoError(err)
	s.Equal(billing.StatusActive, sub.Status)
	s.Equal(billing.PlanStarter, sub.Plan)
	s.Equal(2, *sub.UserLimit)
	s.False(sub.HasPendingChange())
	s.Zero(sub.FailedRenewalAttempts)
	s.Nil(sub.GracePeriodUntil)
	s.Equal(renewal.AddDate(0, 1, 0), *sub.NextRenewalAt)
}

func (s *ServiceSuite) TestStartTrial() {
	ctx := context.Background()

	sub, err := s.svc.StartTrial(ctx, "t-new", billing.PlanStarter, nil, 14*24*time.Hour)
	s.Require().NoError(err)
	s.Equal(billing.StatusTrialing, sub.Status)
	s.Equal(2, *sub.UserLimit)
	s.Equal(now.Add(14*24*time.Hour), *sub.TrialEndsAt)

	_, err = s.svc.StartTrial(ctx, "t-new", billing.PlanTeam, nil, time.Hour)
	s.requireCode(err, apperror.CodeConflict)
}

func (s *ServiceSuite) TestSummary() {
	_, err := s.svc.ToggleAddon(context.Background(), "t-acme", billing.AddonAIAssistant)
	s.Require().NoError(err)

	sum, err := s.svc.Summary(context.Background(), s.tc)
	s.Require().NoError(err)
	s.Equal(billing.PlanTeam, sum.Plan)
	s.Equal(3, sum.ActiveUsers)
	s.Equal(2, *sum.AvailableSeats)
	s.Equal("12", sum.PricePerUser.String())
	s.Equal("69", sum.MonthlyTotal.String())
	s.Contains(sum.Features, billing.FeatureReports)
	s.False(sum.CanCancelDowngrade)
}

func TestService_ConcurrentTogglesSerializeOnVersion(t *testing.T) {
	subs := billingtest.NewSubscriptions(&billing.Subscription{
		ID: "sub-1", TenantID: "t-acme", Plan: billing.PlanTeam, UserLimit: billingtest.Int(5), Status: billing.StatusActive,
	})
	svc := billing.NewService(billing.ServiceConfig{
		Subscriptions: subs,
		Licenses:      billingtest.NewLicenses(),
		Seats:         billingtest.Seats{},
		Logger:        logger.NewNop(),
	})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, stale int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ToggleAddon(context.Background(), "t-acme", billing.AddonPlanning)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperror.HasCode(err, apperror.CodeConcurrentModification):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 20, ok+stale)
	assert.Equal(t, ok+1, subs.Peek("t-acme").Version)
	assert.Equal(t, ok%2 == 1, subs.Peek("t-acme").Addons.Has(billing.AddonPlanning))
}

type auditCall struct {
	tenantID, entityType, entityID, action string
	before, after                          *billing.Subscription
}

type auditRecorder struct {
	calls []auditCall
	err   error
}

func (a *auditRecorder) RecordChange(_ context.Context, tenantID, entityType, entityID, action string, before, after any) error {
	if a.err != nil {
		return a.err
	}
	a.calls = append(a.calls, auditCall{tenantID, entityType, entityID, action,
		before.(*billing.Subscription), after.(*billing.Subscription)})
	return nil
}

func (s *ServiceSuite) withAuditor(a billing.Auditor) *billing.Service {
	return billing.NewService(billing.ServiceConfig{
		Subscriptions: s.subs,
		Licenses:      s.licenses,
		Seats:         s.seats,
		TxManager:     tx.Passthrough,
		Audit:         a,
		Now:           func() time.Time { return s.clock },
		Logger:        logger.NewNop(),
	})
}

func (s *ServiceSuite) TestMutationsAreAudited() {
	audit := &auditRecorder{}
	svc := s.withAuditor(audit)

	_, err := svc.Pause(context.Background(), "t-acme")
	s.Require().NoError(err)

	s.Require().Len(audit.calls, 1)
	call := audit.calls[0]
	s.Equal("t-acme", call.tenantID)
	s.Equal("subscription", call.entityType)
	s.Equal("sub-1", call.entityID)
	s.Equal("paused", call.action)
	s.Equal(billing.StatusActive, call.before.Status)
	s.Equal(billing.StatusPaused, call.after.Status)
}

func (s *ServiceSuite) TestAuditFailureAbortsMutation() {
	svc := s.withAuditor(&auditRecorder{err: errors.New("audit table missing")})

	_, err := svc.Pause(context.Background(), "t-acme")
	s.Require().Error(err)
	s.ErrorContains(err, "audit subscription")
}
