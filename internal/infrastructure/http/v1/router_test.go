package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
	"worktally/internal/core/tenant/tenanttest"
	"worktally/internal/domain/auth"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/billing/billingtest"
	"worktally/internal/domain/payment"
	"worktally/internal/domain/payment/paymenttest"
	"worktally/internal/infrastructure/metrics"
	"worktally/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tokens maps bearer tokens to the tenant slug they belong to ("" = central).
type tokens map[string]struct {
	slug      string
	abilities []string
	admin     bool
}

func (t tokens) Authenticate(_ context.Context, token string, tc *tenant.Context) (*auth.Principal, error) {
	e, ok := t[token]
	slug := ""
	if tc != nil {
		slug = tc.Slug()
	}
	if !ok || e.slug != slug {
		return nil, apperror.NewUnauthorized("invalid token")
	}
	p := &auth.Principal{
		User:  &auth.User{ID: "u-" + token, IsActive: true, IsAdmin: e.admin},
		Token: &auth.PersonalAccessToken{ID: token, Abilities: e.abilities},
	}
	if tc != nil {
		p.Tenant = tc.Tenant
	}
	return p, nil
}

type userStore struct {
	auth.Store
	users map[string]*auth.User
}

func (s userStore) FindUser(_ context.Context, id string) (*auth.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, auth.ErrNotFound
}

type features map[string]bool

func (f features) IsEnabled(_ context.Context, _, feature string) (bool, error) {
	return f[feature], nil
}

type harness struct {
	router  *gin.Engine
	subs    *billingtest.Subscriptions
	signer  *auth.StateSigner
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Now().UTC()
	renewal := now.Add(20 * 24 * time.Hour)

	reg := tenanttest.NewRegistry(
		&tenant.Tenant{ID: "t-acme", Slug: "acme", Status: tenant.StatusActive, DBHost: "h", DBName: "acme_db"},
	)
	cfg := tenant.DefaultManagerConfig()
	cfg.PoolIdleTimeout, cfg.HealthCheckPeriod = 0, 0
	manager := tenant.NewManager(cfg, reg, &tenanttest.Connector{}, logger.NewNop())
	t.Cleanup(manager.Close)

	h := &harness{
		subs: billingtest.NewSubscriptions(&billing.Subscription{
			ID: "sub-1", TenantID: "t-acme", Plan: billing.PlanTeam,
			UserLimit: billingtest.Int(5), Status: billing.StatusActive, NextRenewalAt: &renewal,
		}),
		signer: auth.NewStateSigner(auth.DefaultStateConfig("test-secret")),
	}

	svc := billing.NewService(billing.ServiceConfig{
		Subscriptions: h.subs,
		Licenses:      billingtest.NewLicenses(),
		Seats:         billingtest.Seats{"t-acme": 2},
		Logger:        logger.NewNop(),
	})
	engine := payment.NewEngine(payment.EngineConfig{
		Repo:    paymenttest.NewRepository(),
		Billing: svc,
		Gateway: payment.NewSimulator(),
		Logger:  logger.NewNop(),
	})

	reg2 := prometheus.NewRegistry()
	h.metrics = metrics.New(reg2)

	h.router = NewRouter(RouterConfig{
		Resolver: tenant.NewResolver(tenant.DefaultResolverConfig()),
		Tenants:  manager,
		Central:  tenanttest.NewDB("central"),
		Logger:   logger.NewNop(),
		Authenticator: tokens{
			"acme-rw":   {slug: "acme", abilities: []string{"*"}},
			"acme-ro":   {slug: "acme", abilities: []string{AbilityBillingRead}},
			"admin":     {admin: true},
			"acme-user": {slug: "acme", abilities: []string{"*"}},
		},
		AuthStores: func(tenant.DB) auth.Store {
			return userStore{users: map[string]*auth.User{"u-acme-rw": {ID: "u-acme-rw", IsActive: true}}}
		},
		StateSigner: h.signer,
		Billing:     svc,
		Payments:    engine,
		Features:    features{},
		Metrics:     h.metrics,
		Gatherer:    reg2,
	})
	return h
}

type response struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant", "acme")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out response
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestRouter_SummaryEnvelope(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodGet, "/api/billing/summary", "acme-ro", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	var summary billing.Summary
	require.NoError(t, json.Unmarshal(res.Data, &summary))
	assert.Equal(t, billing.PlanTeam, summary.Plan)
	assert.Equal(t, 2, summary.ActiveUsers)
	require.NotNil(t, summary.AvailableSeats)
	assert.Equal(t, 3, *summary.AvailableSeats)
}

func TestRouter_RequiresTenantAndToken(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/summary", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apperror.CodeNoTenantContext)

	status, res := h.do(t, http.MethodGet, "/api/billing/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, res.Success)

	status, _ = h.do(t, http.MethodPost, "/api/billing/toggle-addon", "acme-ro", gin.H{"addon": "planning"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRouter_CheckoutFlow(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodPost, "/api/billing/checkout/start", "acme-rw", gin.H{
		"kind": "seat_increase", "plan": "team", "user_limit": 8,
	})
	require.Equal(t, http.StatusCreated, status, res.Message)
	var started struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount string `json:"amount"`
		} `json:"payment"`
		Reference string `json:"reference"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &started))
	assert.Equal(t, "pending", started.Payment.Status)
	assert.NotEmpty(t, started.Reference)
	assert.Equal(t, 5, *h.subs.Peek("t-acme").UserLimit)

	status, res = h.do(t, http.MethodPost, "/api/billing/checkout/confirm", "acme-rw", gin.H{
		"payment_id": started.Payment.ID, "payment_method": payment.CardSuccess,
	})
	require.Equal(t, http.StatusOK, status, res.Message)
	assert.Equal(t, 8, *h.subs.Peek("t-acme").UserLimit)

	// A second confirmation returns the settled payment without charging again.
	status, res = h.do(t, http.MethodPost, "/api/billing/checkout/confirm", "acme-rw", gin.H{
		"payment_id": started.Payment.ID, "payment_method": payment.CardDeclined,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), `"status":"completed"`)

	status, res = h.do(t, http.MethodGet, "/api/billing/payments?limit=10", "acme-ro", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), started.Payment.ID)
}

func TestRouter_DeclinedCheckout(t *testing.T) {
	h := newHarness(t)

	_, res := h.do(t, http.MethodPost, "/api/billing/checkout/start", "acme-rw", gin.H{
		"kind": "addon", "addon": "planning",
	})
	var started struct {
		Payment struct {
			ID string `json:"id"`
		} `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &started))

	status, res := h.do(t, http.MethodPost, "/api/billing/checkout/confirm", "acme-rw", gin.H{
		"payment_id": started.Payment.ID, "payment_method": payment.CardDeclined,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, apperror.CodePaymentDeclined, res.Code)
	assert.Empty(t, h.subs.Peek("t-acme").Addons)
}

func TestRouter_UpgradeValidation(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodPost, "/api/billing/upgrade-plan", "acme-ro", gin.H{"plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperror.CodeValidation, res.Code)

	status, res = h.do(t, http.MethodPost, "/api/billing/upgrade-plan", "acme-ro", gin.H{"plan": "starter"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, apperror.CodeInvalidPlanTransition, res.Code)

	status, res = h.do(t, http.MethodPost, "/api/billing/upgrade-plan", "acme-ro", gin.H{"plan": "enterprise"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), `"kind":"plan_change"`)
}

func TestRouter_AuditIsGatedByPlan(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodGet, "/api/billing/audit", "acme-ro", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, apperror.CodeModuleDisabled, res.Code)
}

func TestRouter_PaymentMethods(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodPost, "/api/billing/payment-methods", "acme-rw", gin.H{"token": payment.CardSuccess})
	require.Equal(t, http.StatusCreated, status, res.Message)
	var pm payment.PaymentMethod
	require.NoError(t, json.Unmarshal(res.Data, &pm))
	assert.Equal(t, "4242", pm.Last4)

	status, res = h.do(t, http.MethodGet, "/api/billing/payment-methods", "acme-ro", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), pm.ID)

	status, _ = h.do(t, http.MethodDelete, "/api/billing/payment-methods/"+pm.ID, "acme-rw", nil)
	assert.Equal(t, http.StatusOK, status)

	status, res = h.do(t, http.MethodDelete, "/api/billing/payment-methods/"+pm.ID, "acme-rw", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperror.CodeNotFound, res.Code)
}

func TestRouter_OAuthRoundTrip(t *testing.T) {
	h := newHarness(t)

	status, res := h.do(t, http.MethodPost, "/api/oauth/google/state", "acme-rw", nil)
	require.Equal(t, http.StatusOK, status, res.Message)
	var st struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &st))

	// The callback carries no tenant identifier.
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=abc&state="+st.State, nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"tenant":"acme"`)
	assert.Contains(t, w.Body.String(), `"provider":"google"`)

	req = httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=abc&state=forged", nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/tenants", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/health/tenants", nil)
	req.Header.Set("Authorization", "Bearer admin")
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_pools"`)

	h.do(t, http.MethodGet, "/api/billing/summary", "acme-ro", nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/billing/summary")
}
