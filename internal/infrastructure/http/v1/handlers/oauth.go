package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	appctx "worktally/internal/core/context"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	"worktally/internal/infrastructure/http/v1/dto"
	"worktally/internal/infrastructure/http/v1/middleware"
)

// OAuthHandler binds OAuth round trips to a tenant. The callback arrives
// without a tenant identifier; the tenant travels in the signed state.
type OAuthHandler struct {
	*BaseHandler
	signer *auth.StateSigner
	router middleware.TenantRouter
	stores auth.StoreFactory
}

// NewOAuthHandler creates an OAuth handler.
func NewOAuthHandler(base *BaseHandler, signer *auth.StateSigner, router middleware.TenantRouter, stores auth.StoreFactory) *OAuthHandler {
	return &OAuthHandler{BaseHandler: base, signer: signer, router: router, stores: stores}
}

// State handles POST /api/oauth/:provider/state
func (h *OAuthHandler) State(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	provider := c.Param("provider")
	if provider == "" {
		h.HandleError(c, apperror.NewValidation("provider is required").WithDetail("field", "provider"))
		return
	}

	state, exp, err := h.signer.Sign(tc.Slug(), appctx.GetUserID(c.Request.Context()), provider)
	if err != nil {
		h.HandleError(c, apperror.NewInternal(err))
		return
	}
	h.OK(c, dto.OAuthStateResponse{State: state, Provider: provider, ExpiresAt: exp})
}

// Callback handles GET /api/oauth/callback
func (h *OAuthHandler) Callback(c *gin.Context) {
	var req dto.OAuthCallbackRequest
	if !h.BindQuery(c, &req) {
		return
	}
	claims, err := h.signer.Verify(req.State)
	if err != nil {
		h.HandleError(c, apperror.NewUnauthorized("invalid oauth state"))
		return
	}

	ctx := c.Request.Context()
	handle, err := h.router.Route(ctx, claims.Tenant)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			h.HandleError(c, apperror.NewTenantNotFound(claims.Tenant))
			return
		}
		h.HandleError(c, apperror.NewForbidden("tenant is not available").WithCause(err))
		return
	}
	defer handle.Release()

	user, err := h.stores(handle.DB()).FindUser(ctx, claims.UserID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		h.HandleError(c, apperror.NewUnauthorized("oauth state user no longer exists"))
		return
	case err != nil:
		h.HandleError(c, apperror.NewInternal(err))
		return
	case !user.IsActive:
		h.HandleError(c, apperror.NewUnauthorized("user is inactive"))
		return
	}

	h.OK(c, dto.OAuthCallbackResponse{
		Tenant:   handle.Tenant().Slug,
		UserID:   user.ID,
		Provider: claims.Provider,
	})
}
