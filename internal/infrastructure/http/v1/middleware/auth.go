package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	appctx "worktally/internal/core/context"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
)

// TokenAuthenticator validates bearer tokens.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string, tc *tenant.Context) (*auth.Principal, error)
}

// TokenAuth middleware is the second phase of the pipeline: it looks the
// bearer token up in the database TenantDB routed to, or in the central
// database when the request has no tenant.
func TokenAuth(authn TokenAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			_ = c.Error(apperror.NewUnauthorized("missing or invalid authorization header"))
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		tc, _ := tenant.FromContext(ctx)

		p, err := authn.Authenticate(ctx, token, tc)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		user := p.UserContext()
		c.Request = c.Request.WithContext(appctx.WithUser(ctx, user))
		c.Set("user_id", user.UserID)

		c.Next()
	}
}

// RequireAbility middleware checks that the token grants ability.
// Admins and "*" tokens pass every check.
func RequireAbility(ability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := appctx.GetUser(c.Request.Context())
		if user == nil {
			_ = c.Error(apperror.NewUnauthorized("authentication required"))
			c.Abort()
			return
		}
		if !user.Can(ability) {
			_ = c.Error(
				apperror.NewForbidden("insufficient permissions").
					WithDetail("required_ability", ability),
			)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin allows only central administrators.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := appctx.GetUser(c.Request.Context())
		if user == nil {
			_ = c.Error(apperror.NewUnauthorized("authentication required"))
			c.Abort()
			return
		}
		if !user.IsAdmin || !user.IsCentral() {
			_ = c.Error(apperror.NewForbidden("administrator access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
