package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	appctx "worktally/internal/core/context"
	"worktally/internal/core/tenant"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/pkg/logger"
)

// TenantRouter hands out routed tenant databases.
type TenantRouter interface {
	Route(ctx context.Context, slug string) (*tenant.Handle, error)
}

// TenantDB middleware is the first phase of the request pipeline. It resolves
// the tenant identifier, routes it to a database handle and stores the
// resulting tenant.Context in the request context. The handle is released
// when the request finishes.
//
// Allow-listed routes without an identifier continue with no tenant.
func TenantDB(resolver *tenant.Resolver, router TenantRouter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		res, err := resolver.Resolve(c.Request)
		if err != nil {
			_ = c.Error(resolveError(err))
			c.Abort()
			return
		}
		if res.Tenantless() {
			c.Next()
			return
		}

		h, err := router.Route(ctx, res.Slug)
		if err != nil {
			logger.Warn(ctx, "tenant routing failed", "tenant", res.Slug, "source", res.Source, "error", err)
			_ = c.Error(routeError(res.Slug, err))
			c.Abort()
			return
		}

		tc := postgres.NewTenantContext(h)
		defer tc.Close()

		ctx = tenant.WithContext(ctx, tc)
		ctx = appctx.WithTenantSlug(ctx, tc.Slug())
		c.Request = c.Request.WithContext(ctx)
		c.Set("tenant", tc.Slug())

		c.Next()
	}
}

// RequireTenant rejects requests that reached a tenant-scoped handler without
// a tenant, e.g. a central token on an allow-listed prefix.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := tenant.FromContext(c.Request.Context()); err != nil {
			_ = c.Error(apperror.NewNoTenantContext())
			c.Abort()
			return
		}
		c.Next()
	}
}

func resolveError(err error) *apperror.AppError {
	switch {
	case errors.Is(err, tenant.ErrIdentifierRequired):
		return apperror.NewNoTenantContext()
	case errors.Is(err, tenant.ErrInvalidIdentifier):
		return apperror.NewValidation("invalid tenant identifier")
	default:
		return apperror.NewInternal(err)
	}
}

func routeError(slug string, err error) *apperror.AppError {
	var inactive *tenant.NotActiveError
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return apperror.NewTenantNotFound(slug)
	case errors.As(err, &inactive):
		return apperror.NewTenantNotActive(slug, string(inactive.Status))
	case errors.Is(err, tenant.ErrDatabaseNotConfigured):
		return apperror.NewTenantDatabaseNotConfigured(slug).WithCause(err)
	case errors.Is(err, tenant.ErrMaxPoolLimit):
		appErr := apperror.NewInternal(err)
		appErr.HTTPStatus = http.StatusServiceUnavailable
		appErr.Message = "service temporarily unavailable"
		return appErr
	default:
		return apperror.NewInternal(err).WithDetail("tenant", slug)
	}
}
