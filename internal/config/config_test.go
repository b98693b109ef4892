package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CENTRAL_DATABASE_URL", "postgres://localhost/central")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, GatewaySimulated, cfg.Billing.Gateway)
	assert.Equal(t, "EUR", cfg.Billing.Currency)
	assert.Equal(t, 14*24*time.Hour, cfg.Billing.TrialPeriod)

	r := cfg.Tenancy.Resolver()
	assert.Equal(t, "X-Tenant", r.HeaderName)
	assert.Equal(t, []string{"/internal/"}, r.PrivilegedPrefixes)
	assert.Equal(t, []string{"/api/register", "/health/", "/api/oauth/callback", "/metrics"}, r.TenantlessRoutes)

	m := cfg.Tenant.Manager()
	assert.Equal(t, 100, m.MaxTotalPools)
	assert.Equal(t, 30*time.Minute, m.PoolIdleTimeout)

	conn := cfg.Tenant.Connector()
	assert.Equal(t, int32(10), conn.MaxConns)
	assert.Equal(t, 10*time.Second, conn.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Worker.RenewalInterval)
}

func TestLoad_RequiresCentralDatabase(t *testing.T) {
	t.Setenv("CENTRAL_DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Env: "development", Billing: BillingConfig{Gateway: GatewaySimulated, Currency: "EUR"}}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Billing.Gateway = GatewayStripe
	assert.ErrorContains(t, c.Validate(), "STRIPE_SECRET_KEY")
	c.Billing.StripeSecretKey = "sk_test_x"
	assert.NoError(t, c.Validate())

	c = base()
	c.Billing.Gateway = "paypal"
	assert.ErrorContains(t, c.Validate(), "PAYMENT_GATEWAY")

	c = base()
	c.Billing.Currency = "euro"
	assert.ErrorContains(t, c.Validate(), "BILLING_CURRENCY")

	c = base()
	c.Env = "production"
	assert.ErrorContains(t, c.Validate(), "OAUTH_STATE_SECRET")
}

func TestCatalog_UsesCurrency(t *testing.T) {
	c := BillingConfig{Currency: "USD"}
	assert.Equal(t, "USD", c.Catalog().Currency)
}
