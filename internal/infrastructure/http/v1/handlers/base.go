// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	"worktally/internal/core/tenant"
	"worktally/internal/infrastructure/http/v1/dto"
	"worktally/internal/infrastructure/http/v1/middleware"
)

// BaseHandler provides common handler utilities.
type BaseHandler struct{}

// NewBaseHandler creates a new base handler.
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// BindJSON binds and validates JSON request body.
func (h *BaseHandler) BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.HandleError(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// BindQuery binds and validates query parameters.
func (h *BaseHandler) BindQuery(c *gin.Context, obj any) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		h.HandleError(c, apperror.NewValidation("invalid query parameters").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// HandleError registers error on Gin context and aborts request.
// Actual JSON response is produced by middleware.ErrorHandler (single source of truth).
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// Tenant returns the request's tenant scope, failing the request without one.
func (h *BaseHandler) Tenant(c *gin.Context) (*tenant.Context, bool) {
	tc, err := tenant.FromContext(c.Request.Context())
	if err != nil {
		h.HandleError(c, apperror.NewNoTenantContext())
		return nil, false
	}
	return tc, true
}

func (h *BaseHandler) respond(c *gin.Context, status int, body dto.Response) {
	middleware.CompleteIdempotency(c, status, body)
	c.JSON(status, body)
}

// OK sends 200 response with data.
func (h *BaseHandler) OK(c *gin.Context, data any) {
	h.respond(c, http.StatusOK, dto.Response{Success: true, Data: data})
}

// Created sends 201 response with data.
func (h *BaseHandler) Created(c *gin.Context, data any) {
	h.respond(c, http.StatusCreated, dto.Response{Success: true, Data: data})
}

// Success sends a 200 response carrying only a message.
func (h *BaseHandler) Success(c *gin.Context, message string) {
	h.respond(c, http.StatusOK, dto.Response{Success: true, Message: message})
}
