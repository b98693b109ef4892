package tenant_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktally/internal/core/tenant"
)

func TestResolver_Precedence(t *testing.T) {
	r := tenant.NewResolver(tenant.ResolverConfig{
		SubdomainSuffix:    ".worktally.app",
		PrivilegedPrefixes: []string{"/internal/"},
	})

	tests := []struct {
		name   string
		target string
		host   string
		header string
		want   tenant.Resolution
	}{
		{
			name:   "header wins over query",
			target: "/api/billing/summary?tenant=beta",
			header: "acme",
			want:   tenant.Resolution{Slug: "acme", Source: tenant.SourceHeader},
		},
		{
			name:   "query fallback",
			target: "/api/billing/summary?tenant=beta",
			want:   tenant.Resolution{Slug: "beta", Source: tenant.SourceQuery},
		},
		{
			name:   "header is normalized",
			target: "/api/billing/summary",
			header: "  ACME ",
			want:   tenant.Resolution{Slug: "acme", Source: tenant.SourceHeader},
		},
		{
			name:   "subdomain on privileged route",
			target: "/internal/stats",
			host:   "gamma.worktally.app:8443",
			want:   tenant.Resolution{Slug: "gamma", Source: tenant.SourceSubdomain},
		},
		{
			name:   "query beats subdomain on privileged route",
			target: "/internal/stats?tenant=beta",
			host:   "gamma.worktally.app",
			want:   tenant.Resolution{Slug: "beta", Source: tenant.SourceQuery},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.host != "" {
				req.Host = tt.host
			}
			if tt.header != "" {
				req.Header.Set("X-Tenant", tt.header)
			}
			got, err := r.Resolve(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_SubdomainIgnoredOutsidePrivilegedRoutes(t *testing.T) {
	r := tenant.NewResolver(tenant.ResolverConfig{SubdomainSuffix: ".worktally.app"})

	req := httptest.NewRequest("GET", "/api/billing/summary", nil)
	req.Host = "gamma.worktally.app"

	_, err := r.Resolve(req)
	assert.ErrorIs(t, err, tenant.ErrIdentifierRequired)
}

func TestResolver_TenantlessRoutes(t *testing.T) {
	r := tenant.NewResolver(tenant.DefaultResolverConfig())

	for _, path := range []string{"/api/register", "/health/live", "/health/ready", "/api/oauth/callback", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		got, err := r.Resolve(req)
		require.NoError(t, err, path)
		assert.True(t, got.Tenantless(), path)
	}

	for _, path := range []string{"/api/billing/summary", "/api/registered", "/"} {
		req := httptest.NewRequest("GET", path, nil)
		_, err := r.Resolve(req)
		assert.ErrorIs(t, err, tenant.ErrIdentifierRequired, path)
	}
}

func TestResolver_TenantlessRouteStillHonoursIdentifier(t *testing.T) {
	r := tenant.NewResolver(tenant.DefaultResolverConfig())

	req := httptest.NewRequest("GET", "/health/ready", nil)
	req.Header.Set("X-Tenant", "acme")

	got, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)
}

func TestResolver_InvalidSlug(t *testing.T) {
	r := tenant.NewResolver(tenant.DefaultResolverConfig())

	for _, raw := range []string{"-acme", "ac_me", "acme.corp", "../etc"} {
		req := httptest.NewRequest("GET", "/api/billing/summary", nil)
		req.Header.Set("X-Tenant", raw)
		_, err := r.Resolve(req)
		assert.ErrorIs(t, err, tenant.ErrInvalidIdentifier, raw)
	}
}

func TestResolver_CustomNames(t *testing.T) {
	r := tenant.NewResolver(tenant.ResolverConfig{HeaderName: "X-Workspace", QueryParam: "ws"})

	req := httptest.NewRequest("GET", "/api/x?ws=delta", nil)
	req.Header.Set("X-Tenant", "ignored")

	got, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, tenant.Resolution{Slug: "delta", Source: tenant.SourceQuery}, got)
}
