package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"worktally/internal/core/apperror"
	"worktally/internal/core/types"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusTrialing, StatusActive},
		{StatusTrialing, StatusCanceled},
		{StatusActive, StatusPastDue},
		{StatusPastDue, StatusActive},
		{StatusPastDue, StatusCanceled},
		{StatusActive, StatusPaused},
		{StatusPaused, StatusActive},
		{StatusActive, StatusCanceled},
	}
	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct{ from, to Status }{
		{StatusCanceled, StatusActive},
		{StatusTrialing, StatusPastDue},
		{StatusPaused, StatusPastDue},
		{StatusPastDue, StatusPaused},
	}
	for _, tt := range denied {
		assert.False(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestTransitionTo_RejectsWithAppError(t *testing.T) {
	sub := &Subscription{Status: StatusCanceled}
	err := sub.TransitionTo(StatusActive)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidPlanTransition))
	assert.Equal(t, StatusCanceled, sub.Status)
}

func TestPlanRank(t *testing.T) {
	assert.True(t, PlanTeam.Above(PlanStarter))
	assert.True(t, PlanEnterprise.Above(PlanTeam))
	assert.False(t, PlanStarter.Above(PlanStarter))

	p, err := ParsePlan(" Team ")
	assert.NoError(t, err)
	assert.Equal(t, PlanTeam, p)
	_, err = ParsePlan("gold")
	assert.Error(t, err)
}

func TestSetPlan_StarterAlwaysTwoSeats(t *testing.T) {
	sub := &Subscription{}
	sub.SetPlan(PlanStarter, intPtr(10))
	assert.Equal(t, 2, *sub.UserLimit)

	sub.SetPlan(PlanStarter, nil)
	assert.Equal(t, 2, *sub.UserLimit)

	sub.SetPlan(PlanTeam, nil)
	assert.Nil(t, sub.UserLimit)
}

func TestTargetSeatsForPlanChange(t *testing.T) {
	starter := &Subscription{Plan: PlanStarter, UserLimit: intPtr(2)}
	team := &Subscription{Plan: PlanTeam, UserLimit: intPtr(7)}
	unlimited := &Subscription{Plan: PlanEnterprise}

	assert.Equal(t, 2, *TargetSeatsForPlanChange(starter, PlanTeam))
	assert.Equal(t, 7, *TargetSeatsForPlanChange(team, PlanEnterprise))
	assert.Equal(t, 2, *TargetSeatsForPlanChange(team, PlanStarter))
	assert.Nil(t, TargetSeatsForPlanChange(unlimited, PlanTeam))
}

func TestSeatIncreaseAmount(t *testing.T) {
	perUser := types.MustMoney("12.00")
	assert.Equal(t, "36", SeatIncreaseAmount(perUser, 5, 8).String())
	assert.True(t, SeatIncreaseAmount(perUser, 8, 5).IsZero())
}

func TestAddonPrice(t *testing.T) {
	base := FullPlanPrice(types.MustMoney("12.00"), 5)
	assert.Equal(t, "60", base.String())
	assert.Equal(t, "9", AddonPrice(base, AddonAIAssistant).String())
	assert.Equal(t, "6", AddonPrice(base, AddonPlanning).String())
}

func TestCanCancelScheduledDowngrade(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	in := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	assert.False(t, CanCancelScheduledDowngrade(in(2*time.Hour), now))
	assert.False(t, CanCancelScheduledDowngrade(in(-time.Hour), now))
	assert.True(t, CanCancelScheduledDowngrade(in(24*time.Hour), now))
	assert.True(t, CanCancelScheduledDowngrade(in(72*time.Hour), now))
	assert.True(t, CanCancelScheduledDowngrade(nil, now))
}

func TestValidateSeatLimit(t *testing.T) {
	assert.NoError(t, ValidateSeatLimit(PlanStarter, nil, 2))
	assert.True(t, apperror.HasCode(ValidateSeatLimit(PlanStarter, nil, 3), apperror.CodeLicenseLimitExceeded))
	assert.True(t, apperror.HasCode(ValidateSeatLimit(PlanTeam, intPtr(4), 5), apperror.CodeLicenseLimitExceeded))
	assert.True(t, apperror.HasCode(ValidateSeatLimit(PlanTeam, intPtr(0), 0), apperror.CodeValidation))
	assert.NoError(t, ValidateSeatLimit(PlanTeam, intPtr(5), 5))
	assert.NoError(t, ValidateSeatLimit(PlanEnterprise, nil, 500))
}

func TestAddonSet_ToggleRoundTrip(t *testing.T) {
	orig := NewAddonSet(AddonWorkflows, AddonPlanning, AddonPlanning)
	assert.Equal(t, AddonSet{AddonPlanning, AddonWorkflows}, orig)

	once := orig.Toggle(AddonAIAssistant)
	assert.True(t, once.Has(AddonAIAssistant))
	assert.Equal(t, orig, once.Toggle(AddonAIAssistant))

	removed := orig.Toggle(AddonPlanning)
	assert.Equal(t, AddonSet{AddonWorkflows}, removed)
	assert.Equal(t, orig, removed.Toggle(AddonPlanning))
}

func TestClone_IsDeep(t *testing.T) {
	pending := PlanTeam
	sub := &Subscription{UserLimit: intPtr(5), Addons: AddonSet{AddonPlanning}, PendingPlan: &pending}
	c := sub.Clone()
	*c.UserLimit = 9
	c.Addons[0] = AddonWorkflows
	*c.PendingPlan = PlanStarter

	assert.Equal(t, 5, *sub.UserLimit)
	assert.Equal(t, AddonPlanning, sub.Addons[0])
	assert.Equal(t, PlanTeam, *sub.PendingPlan)
}
