package main

import (
	"bytes"
	"context"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/billing/billingtest"
	"worktally/pkg/logger"
)

func TestCommands_UsageCoversEveryCommand(t *testing.T) {
	assert.Len(t, commandOrder, len(commands))
	for _, name := range commandOrder {
		cmd, ok := commands[name]
		if assert.True(t, ok, name) {
			assert.Contains(t, cmd.usage, name)
		}
	}
}

func TestParse_SlugBeforeOrAfterFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	users := fs.Int("users", 0, "")
	slug, err := parse(fs, []string{"Acme", "--users", "4"})
	require.NoError(t, err)
	assert.Equal(t, "acme", slug)
	assert.Equal(t, 4, *users)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("users", 0, "")
	slug, err = parse(fs, []string{"--users", "4", "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", slug)
}

func TestSubscriptionCommands(t *testing.T) {
	renewal := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subs := billingtest.NewSubscriptions(&billing.Subscription{
		ID:            "sub-1",
		TenantID:      "t-acme",
		Plan:          billing.PlanTeam,
		UserLimit:     billingtest.Int(5),
		Status:        billing.StatusActive,
		NextRenewalAt: &renewal,
	})
	svc := billing.NewService(billing.ServiceConfig{
		Subscriptions: subs,
		Licenses:      billingtest.NewLicenses(),
		Seats:         billingtest.Seats{},
		Logger:        logger.NewNop(),
	})
	acme := &tenant.Tenant{ID: "t-acme", Slug: "acme"}
	ctx := context.Background()

	steps := []struct {
		change subscriptionChange
		want   billing.Status
	}{
		{(*billing.Service).Pause, billing.StatusPaused},
		{(*billing.Service).Resume, billing.StatusActive},
		{(*billing.Service).Pause, billing.StatusPaused},
		{(*billing.Service).Activate, billing.StatusActive},
		{(*billing.Service).Cancel, billing.StatusCanceled},
	}
	for _, step := range steps {
		var out bytes.Buffer
		require.NoError(t, applySubscriptionChange(ctx, &out, svc, acme, step.change))
		assert.Contains(t, out.String(), "'acme' is now "+string(step.want))
		assert.Equal(t, step.want, subs.Peek("t-acme").Status)
	}

	var out bytes.Buffer
	err := applySubscriptionChange(ctx, &out, svc, acme, (*billing.Service).Resume)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidPlanTransition), "got %v", err)
	assert.Empty(t, out.String())
	assert.Equal(t, billing.StatusCanceled, subs.Peek("t-acme").Status)
}

func TestSubscriptionCommands_ActivePrintsRenewal(t *testing.T) {
	renewal := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subs := billingtest.NewSubscriptions(&billing.Subscription{
		ID:            "sub-1",
		TenantID:      "t-acme",
		Plan:          billing.PlanTeam,
		UserLimit:     billingtest.Int(5),
		Status:        billing.StatusPaused,
		NextRenewalAt: &renewal,
	})
	svc := billing.NewService(billing.ServiceConfig{
		Subscriptions: subs,
		Licenses:      billingtest.NewLicenses(),
		Seats:         billingtest.Seats{},
		Logger:        logger.NewNop(),
	})

	var out bytes.Buffer
	require.NoError(t, applySubscriptionChange(context.Background(), &out, svc,
		&tenant.Tenant{ID: "t-acme", Slug: "acme"}, (*billing.Service).Resume))
	assert.Contains(t, out.String(), "Next renewal: 2026-04-01T00:00:00Z")
}
