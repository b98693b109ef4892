package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
)

// FeatureChecker reports plan entitlements.
type FeatureChecker interface {
	IsEnabled(ctx context.Context, tenantID, feature string) (bool, error)
}

// RequireFeature rejects tenants whose plan does not include feature.
func RequireFeature(features FeatureChecker, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tc, err := tenant.FromContext(ctx)
		if err != nil {
			_ = c.Error(apperror.NewNoTenantContext())
			c.Abort()
			return
		}

		ok, err := features.IsEnabled(ctx, tc.ID(), feature)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(apperror.NewModuleDisabled(feature))
			c.Abort()
			return
		}
		c.Next()
	}
}
