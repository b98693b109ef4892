package auth_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
	"worktally/internal/core/tenant/tenanttest"
	"worktally/internal/core/tx"
	"worktally/internal/domain/auth"
	"worktally/pkg/logger"
)

// memStore is one database worth of tokens and users.
type memStore struct {
	mu      sync.Mutex
	tokens  map[string]*auth.PersonalAccessToken
	users   map[string]*auth.User
	touched map[string]time.Time
	failErr error
}

func newMemStore() *memStore {
	return &memStore{
		tokens:  map[string]*auth.PersonalAccessToken{},
		users:   map[string]*auth.User{},
		touched: map[string]time.Time{},
	}
}

func (s *memStore) FindToken(_ context.Context, tokenID string) (*auth.PersonalAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return t, nil
}

func (s *memStore) FindTokenByHash(_ context.Context, hash string) (*auth.PersonalAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *memStore) FindUser(_ context.Context, userID string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u, nil
}

func (s *memStore) TouchToken(_ context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[tokenID] = at
	return nil
}

func (s *memStore) CreateToken(_ context.Context, t *auth.PersonalAccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
	return nil
}

// issue stores an active user with a fresh token and returns the plain token.
func (s *memStore) issue(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	s.users[userID] = &auth.User{ID: userID, Email: userID + "@example.com", IsActive: true}
	plain, tok, err := auth.NewToken(userID, "cli", []string{"*"}, ttl)
	require.NoError(t, err)
	require.NoError(t, s.CreateToken(context.Background(), tok))
	return plain
}

type fixture struct {
	stores  map[string]*memStore // by database name
	central *tenanttest.DB
	manager *tenant.Manager
	authn   *auth.Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stores: map[string]*memStore{
			"central": newMemStore(),
			"acme_db": newMemStore(),
			"beta_db": newMemStore(),
		},
		central: tenanttest.NewDB("central"),
	}

	reg := tenanttest.NewRegistry(
		&tenant.Tenant{ID: "t-acme", Slug: "acme", Status: tenant.StatusActive, DBHost: "h", DBName: "acme_db"},
		&tenant.Tenant{ID: "t-beta", Slug: "beta", Status: tenant.StatusActive, DBHost: "h", DBName: "beta_db"},
	)
	cfg := tenant.DefaultManagerConfig()
	cfg.PoolIdleTimeout, cfg.HealthCheckPeriod = 0, 0
	f.manager = tenant.NewManager(cfg, reg, &tenanttest.Connector{}, logger.NewNop())
	t.Cleanup(f.manager.Close)

	factory := func(db tenant.DB) auth.Store {
		return f.stores[db.(*tenanttest.DB).Name]
	}
	f.authn = auth.NewAuthenticator(factory, f.central, tenant.NewResolver(tenant.DefaultResolverConfig()), f.manager)
	return f
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized), "got %v", err)
}

func TestAuthenticateRequest_TenantToken(t *testing.T) {
	f := newFixture(t)
	token := f.stores["acme_db"].issue(t, "u1", 0)

	req := httptest.NewRequest("GET", "/api/billing/summary", nil)
	req.Header.Set("X-Tenant", "acme")
	req.Header.Set("Authorization", "Bearer "+token)

	p, err := f.authn.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.User.ID)
	require.NotNil(t, p.Tenant)
	assert.Equal(t, "acme", p.Tenant.Slug)
	assert.Equal(t, "acme", p.UserContext().TenantSlug)
	assert.Len(t, f.stores["acme_db"].touched, 1)
}

func TestAuthenticateRequest_TokenOfOtherTenantFails(t *testing.T) {
	f := newFixture(t)
	token := f.stores["acme_db"].issue(t, "u1", 0)

	req := httptest.NewRequest("GET", "/api/billing/summary", nil)
	req.Header.Set("X-Tenant", "beta")
	req.Header.Set("Authorization", "Bearer "+token)

	_, err := f.authn.AuthenticateRequest(context.Background(), req)
	assertUnauthorized(t, err)
}

func TestAuthenticateRequest_UnknownTenantFallsBackToCentral(t *testing.T) {
	f := newFixture(t)
	acmeToken := f.stores["acme_db"].issue(t, "u1", 0)
	adminToken := f.stores["central"].issue(t, "op1", 0)

	req := httptest.NewRequest("GET", "/api/billing/summary", nil)
	req.Header.Set("X-Tenant", "ghost")
	req.Header.Set("Authorization", "Bearer "+acmeToken)

	_, err := f.authn.AuthenticateRequest(context.Background(), req)
	assertUnauthorized(t, err)

	req.Header.Set("Authorization", "Bearer "+adminToken)
	p, err := f.authn.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, p.Tenant)
	assert.True(t, p.UserContext().IsCentral())
}

func TestAuthenticateRequest_NoTenantUsesCentral(t *testing.T) {
	f := newFixture(t)
	adminToken := f.stores["central"].issue(t, "op1", 0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	p, err := f.authn.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "op1", p.User.ID)
}

func TestAuthenticateRequest_MissingBearer(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/api/billing/summary", nil)
	req.Header.Set("Authorization", "Basic abc")

	_, err := f.authn.AuthenticateRequest(context.Background(), req)
	assertUnauthorized(t, err)
}

func TestAuthenticate_WithTenantContext(t *testing.T) {
	f := newFixture(t)
	token := f.stores["beta_db"].issue(t, "u2", 0)
	beta := &tenant.Tenant{ID: "t-beta", Slug: "beta"}

	tc := tenant.NewStaticContext(beta, tenanttest.NewDB("beta_db"), tx.Passthrough)
	p, err := f.authn.Authenticate(context.Background(), token, tc)
	require.NoError(t, err)
	assert.Equal(t, "beta", p.Tenant.Slug)

	acme := tenant.NewStaticContext(&tenant.Tenant{ID: "t-acme", Slug: "acme"}, tenanttest.NewDB("acme_db"), tx.Passthrough)
	_, err = f.authn.Authenticate(context.Background(), token, acme)
	assertUnauthorized(t, err)
}

func TestAuthenticate_RejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	store := f.stores["central"]
	good := store.issue(t, "op1", 0)
	tokenID, _, _ := strings.Cut(good, "|")

	expired := store.issue(t, "op2", time.Nanosecond)
	time.Sleep(time.Millisecond)

	disabled := store.issue(t, "op3", 0)
	store.users["op3"].IsActive = false

	for name, token := range map[string]string{
		"wrong secret":  tokenID + "|nope",
		"unknown id":    "missing|secret",
		"empty":         "",
		"empty secret":  tokenID + "|",
		"unknown plain": "plain-secret",
		"expired":       expired,
		"inactive user": disabled,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.authn.Authenticate(context.Background(), token, nil)
			assertUnauthorized(t, err)
		})
	}
}

func TestAuthenticate_PlainTokenByHash(t *testing.T) {
	f := newFixture(t)
	store := f.stores["central"]
	store.users["op1"] = &auth.User{ID: "op1", IsActive: true}
	store.tokens["legacy"] = &auth.PersonalAccessToken{ID: "legacy", UserID: "op1", TokenHash: auth.HashSecret("plain-secret")}

	p, err := f.authn.Authenticate(context.Background(), "plain-secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy", p.Token.ID)
}

func TestAuthenticate_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.stores["central"].failErr = errors.New("connection reset")

	_, err := f.authn.Authenticate(context.Background(), "abc|def", nil)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeInternal))
}
