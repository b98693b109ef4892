package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
	"worktally/pkg/logger"
)

// Router routes a tenant slug to its database.
type Router interface {
	Route(ctx context.Context, slug string) (*tenant.Handle, error)
}

// Identifier extracts a tenant identifier from a request.
type Identifier interface {
	Identify(r *http.Request) (tenant.Resolution, error)
}

// Authenticator resolves bearer tokens against the database the request
// belongs to. Tenant tokens only exist in their tenant database, so a token
// presented for another tenant never matches.
type Authenticator struct {
	stores     StoreFactory
	central    tenant.DB
	identifier Identifier
	router     Router
	now        func() time.Time
}

// NewAuthenticator creates an authenticator. central is used when no tenant is in scope.
func NewAuthenticator(stores StoreFactory, central tenant.DB, identifier Identifier, router Router) *Authenticator {
	return &Authenticator{
		stores:     stores,
		central:    central,
		identifier: identifier,
		router:     router,
		now:        time.Now,
	}
}

// Authenticate looks token up in tc's database, or in the central database when tc is nil.
func (a *Authenticator) Authenticate(ctx context.Context, token string, tc *tenant.Context) (*Principal, error) {
	db := a.central
	var t *tenant.Tenant
	if tc != nil {
		db, t = tc.DB(), tc.Tenant
	}

	p, err := a.lookup(ctx, a.stores(db), token)
	if err != nil {
		return nil, err
	}
	p.Tenant = t
	return p, nil
}

// AuthenticateRequest runs both phases itself: it identifies and routes the
// tenant, then looks the token up there. If the tenant cannot be routed the
// failure is logged and the central database is consulted instead.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, r *http.Request) (*Principal, error) {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, apperror.NewUnauthorized("missing bearer token")
	}

	res, err := a.identifier.Identify(r)
	switch {
	case err != nil:
		logger.Warn(ctx, "tenant identifier rejected, using central token lookup", "error", err)
	case !res.Tenantless():
		h, err := a.router.Route(ctx, res.Slug)
		if err != nil {
			logger.Warn(ctx, "tenant lookup failed, using central token lookup",
				"tenant", res.Slug, "error", err)
			break
		}
		defer h.Release()

		p, err := a.lookup(ctx, a.stores(h.DB()), token)
		if err != nil {
			return nil, err
		}
		p.Tenant = h.Tenant()
		return p, nil
	}

	return a.Authenticate(ctx, token, nil)
}

func (a *Authenticator) lookup(ctx context.Context, store Store, raw string) (*Principal, error) {
	parsed, ok := ParseToken(raw)
	if !ok {
		return nil, apperror.NewUnauthorized("malformed token")
	}

	var (
		tok *PersonalAccessToken
		err error
	)
	if parsed.ID != "" {
		tok, err = store.FindToken(ctx, parsed.ID)
	} else {
		tok, err = store.FindTokenByHash(ctx, HashSecret(parsed.Secret))
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperror.NewUnauthorized("invalid token")
		}
		return nil, apperror.NewInternal(fmt.Errorf("lookup token: %w", err))
	}

	if !VerifySecret(parsed.Secret, tok.TokenHash) {
		return nil, apperror.NewUnauthorized("invalid token")
	}

	now := a.now()
	if tok.Expired(now) {
		return nil, apperror.NewUnauthorized("token expired")
	}

	user, err := store.FindUser(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperror.NewUnauthorized("invalid token")
		}
		return nil, apperror.NewInternal(fmt.Errorf("lookup user: %w", err))
	}
	if !user.IsActive {
		return nil, apperror.NewUnauthorized("account is disabled")
	}

	if err := store.TouchToken(ctx, tok.ID, now); err != nil {
		logger.Debug(ctx, "failed to record token usage", "token_id", tok.ID, "error", err)
	}

	return &Principal{User: user, Token: tok}, nil
}
