package tenant

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Source tells where a tenant identifier came from.
type Source string

const (
	SourceNone      Source = ""
	SourceHeader    Source = "header"
	SourceQuery     Source = "query"
	SourceSubdomain Source = "subdomain"
)

// Resolution is the outcome of resolving a request.
// An empty Slug means the route runs without a tenant.
type Resolution struct {
	Slug   string
	Source Source
}

// Tenantless reports whether the request proceeds without a tenant.
func (r Resolution) Tenantless() bool {
	return r.Slug == ""
}

// ResolverConfig configures identifier extraction.
type ResolverConfig struct {
	// HeaderName is checked first (default "X-Tenant").
	HeaderName string

	// QueryParam is checked second (default "tenant").
	QueryParam string

	// SubdomainSuffix is stripped from the host before taking the first label,
	// e.g. ".worktally.app". Empty means "first label of a 3+ label host".
	SubdomainSuffix string

	// PrivilegedPrefixes are path prefixes where the subdomain is honoured.
	PrivilegedPrefixes []string

	// TenantlessRoutes may run without a tenant. Entries ending in "/" match as prefixes.
	TenantlessRoutes []string
}

// DefaultResolverConfig returns the stock configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		HeaderName:         "X-Tenant",
		QueryParam:         "tenant",
		PrivilegedPrefixes: []string{"/internal/"},
		TenantlessRoutes:   []string{"/api/register", "/health/", "/api/oauth/callback", "/metrics"},
	}
}

// Resolver extracts the tenant identifier from a request. It never touches a database.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver. Empty header/query names fall back to defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	def := DefaultResolverConfig()
	if cfg.HeaderName == "" {
		cfg.HeaderName = def.HeaderName
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = def.QueryParam
	}
	return &Resolver{cfg: cfg}
}

// Resolve applies precedence header > query > subdomain (privileged routes only).
// Without an identifier, allow-listed routes resolve tenant-less and every
// other route fails with ErrIdentifierRequired.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	res, err := r.Identify(req)
	if err != nil {
		return Resolution{}, err
	}
	if !res.Tenantless() {
		return res, nil
	}
	if r.IsTenantlessRoute(req.URL.Path) {
		return Resolution{}, nil
	}
	return Resolution{}, ErrIdentifierRequired
}

// Identify extracts an identifier without classifying the route.
// A tenant-less Resolution with nil error means "nothing supplied".
func (r *Resolver) Identify(req *http.Request) (Resolution, error) {
	if v := req.Header.Get(r.cfg.HeaderName); strings.TrimSpace(v) != "" {
		return r.validated(v, SourceHeader)
	}
	if v := req.URL.Query().Get(r.cfg.QueryParam); strings.TrimSpace(v) != "" {
		return r.validated(v, SourceQuery)
	}
	if r.isPrivileged(req.URL.Path) {
		if v := r.subdomain(req.Host); v != "" {
			return r.validated(v, SourceSubdomain)
		}
	}
	return Resolution{}, nil
}

// IsTenantlessRoute reports whether path is on the allow-list.
func (r *Resolver) IsTenantlessRoute(path string) bool {
	return matchAny(path, r.cfg.TenantlessRoutes)
}

func (r *Resolver) isPrivileged(path string) bool {
	return matchAny(path, r.cfg.PrivilegedPrefixes)
}

func (r *Resolver) validated(raw string, src Source) (Resolution, error) {
	slug := NormalizeSlug(raw)
	if !ValidSlug(slug) {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return Resolution{Slug: slug, Source: src}, nil
}

func (r *Resolver) subdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return ""
	}

	if suffix := strings.ToLower(r.cfg.SubdomainSuffix); suffix != "" {
		if !strings.HasSuffix(host, suffix) || len(host) == len(suffix) {
			return ""
		}
		label := strings.TrimSuffix(host, suffix)
		if strings.Contains(label, ".") || label == "www" {
			return ""
		}
		return label
	}

	parts := strings.Split(host, ".")
	if len(parts) < 3 || parts[0] == "www" {
		return ""
	}
	return parts[0]
}

func matchAny(path string, routes []string) bool {
	for _, route := range routes {
		if route == "" {
			continue
		}
		if strings.HasSuffix(route, "/") {
			if strings.HasPrefix(path, route) || path == strings.TrimSuffix(route, "/") {
				return true
			}
			continue
		}
		if path == route || strings.HasPrefix(path, route+"/") {
			return true
		}
	}
	return false
}
