package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
	"worktally/internal/infrastructure/http/v1/dto"
	"worktally/internal/infrastructure/storage/postgres"
)

// AuditHistory reads the subscription audit trail.
type AuditHistory interface {
	History(ctx context.Context, entityType, entityID string, limit int) ([]postgres.AuditEntry, error)
}

// PaymentObserver is told about every settled confirmation.
type PaymentObserver interface {
	PaymentConfirmed(gateway, status string)
}

// BillingHandler serves /api/billing. The tenant is the payment customer.
type BillingHandler struct {
	*BaseHandler
	billing  *billing.Service
	payments *payment.Engine
	audit    AuditHistory
	observer PaymentObserver
}

// NewBillingHandler creates a billing handler. audit and observer may be nil.
func NewBillingHandler(base *BaseHandler, svc *billing.Service, payments *payment.Engine, audit AuditHistory, observer PaymentObserver) *BillingHandler {
	return &BillingHandler{
		BaseHandler: base,
		billing:     svc,
		payments:    payments,
		audit:       audit,
		observer:    observer,
	}
}

// Summary handles GET /api/billing/summary
func (h *BillingHandler) Summary(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	out, err := h.billing.Summary(c.Request.Context(), tc)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, out)
}

// UpgradePlan handles POST /api/billing/upgrade-plan. It validates and
// prices the change; nothing is applied until a checkout completes.
func (h *BillingHandler) UpgradePlan(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.UpgradePlanRequest
	if !h.BindJSON(c, &req) {
		return
	}
	change, err := req.ToChangeRequest()
	if err != nil {
		h.HandleError(c, apperror.NewValidation(err.Error()).WithDetail("field", "plan"))
		return
	}

	quote, err := h.billing.Upgrade(c.Request.Context(), tc, change)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, quote)
}

// StartCheckout handles POST /api/billing/checkout/start
func (h *BillingHandler) StartCheckout(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.CheckoutStartRequest
	if !h.BindJSON(c, &req) {
		return
	}

	snap, ref, err := h.payments.StartCheckout(c.Request.Context(), tc, req.ToIntent(tc.ID()))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, dto.CheckoutStartResponse{
		Payment:      snap,
		Reference:    ref.Reference,
		ClientSecret: ref.ClientSecret,
		Status:       ref.Status,
	})
}

// ConfirmCheckout handles POST /api/billing/checkout/confirm
func (h *BillingHandler) ConfirmCheckout(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.CheckoutConfirmRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.payments.Confirm(c.Request.Context(), req.PaymentID, payment.ConfirmInput{
		TenantID:      tc.ID(),
		CustomerID:    tc.ID(),
		PaymentMethod: req.PaymentMethod,
	})
	if res != nil && h.observer != nil {
		h.observer.PaymentConfirmed(res.Snapshot.Gateway, string(res.Snapshot.Status))
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, res)
}

// CancelCheckout handles POST /api/billing/checkout/cancel
func (h *BillingHandler) CancelCheckout(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.CheckoutCancelRequest
	if !h.BindJSON(c, &req) {
		return
	}

	snap, err := h.payments.Cancel(c.Request.Context(), tc.ID(), req.PaymentID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, snap)
}

// ScheduleDowngrade handles POST /api/billing/schedule-downgrade
func (h *BillingHandler) ScheduleDowngrade(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.ScheduleDowngradeRequest
	if !h.BindJSON(c, &req) {
		return
	}
	change, err := req.ToChangeRequest()
	if err != nil {
		h.HandleError(c, apperror.NewValidation(err.Error()).WithDetail("field", "plan"))
		return
	}

	sub, err := h.billing.ScheduleDowngrade(c.Request.Context(), tc, change)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, sub)
}

// CancelScheduledDowngrade handles POST /api/billing/cancel-scheduled-downgrade
func (h *BillingHandler) CancelScheduledDowngrade(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	sub, err := h.billing.CancelScheduledDowngrade(c.Request.Context(), tc.ID())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, sub)
}

// ToggleAddon handles POST /api/billing/toggle-addon
func (h *BillingHandler) ToggleAddon(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.ToggleAddonRequest
	if !h.BindJSON(c, &req) {
		return
	}

	sub, err := h.billing.ToggleAddon(c.Request.Context(), tc.ID(), billing.Addon(req.Addon))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.OK(c, sub)
}

// Payments handles GET /api/billing/payments
func (h *BillingHandler) Payments(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.PaymentHistoryRequest
	if !h.BindQuery(c, &req) {
		return
	}
	req.Defaults()

	list, err := h.payments.History(c.Request.Context(), tc.ID(), payment.HistoryFilter{
		Status: payment.Status(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []*payment.Snapshot{}
	}
	h.OK(c, dto.ListResponse{Items: list, Limit: req.Limit, Offset: req.Offset})
}

// Audit handles GET /api/billing/audit
func (h *BillingHandler) Audit(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	if h.audit == nil {
		h.HandleError(c, apperror.NewModuleDisabled(billing.FeatureAuditLog))
		return
	}
	var page dto.PageRequest
	if !h.BindQuery(c, &page) {
		return
	}
	page.Defaults()

	ctx := c.Request.Context()
	sub, err := h.billing.Get(ctx, tc.ID())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	entries, err := h.audit.History(ctx, "subscription", sub.ID, page.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make([]dto.AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, dto.AuditEntryResponse{
			ID:        e.ID,
			Action:    e.Action,
			UserID:    e.UserID,
			Changes:   e.Changes,
			CreatedAt: e.CreatedAt,
		})
	}
	h.OK(c, dto.ListResponse{Items: out, Limit: page.Limit})
}

// --- Payment methods ---

// PaymentMethods handles GET /api/billing/payment-methods
func (h *BillingHandler) PaymentMethods(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	list, err := h.payments.PaymentMethods(c.Request.Context(), tc.ID())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []payment.PaymentMethod{}
	}
	h.OK(c, list)
}

// AddPaymentMethod handles POST /api/billing/payment-methods
func (h *BillingHandler) AddPaymentMethod(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	var req dto.PaymentMethodRequest
	if !h.BindJSON(c, &req) {
		return
	}
	pm, err := h.payments.AddPaymentMethod(c.Request.Context(), tc.ID(), req.Token)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, pm)
}

// SetDefaultPaymentMethod handles POST /api/billing/payment-methods/:id/default
func (h *BillingHandler) SetDefaultPaymentMethod(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	if err := h.payments.SetDefaultPaymentMethod(c.Request.Context(), tc.ID(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, "default payment method updated")
}

// RemovePaymentMethod handles DELETE /api/billing/payment-methods/:id
func (h *BillingHandler) RemovePaymentMethod(c *gin.Context) {
	tc, ok := h.Tenant(c)
	if !ok {
		return
	}
	if err := h.payments.RemovePaymentMethod(c.Request.Context(), tc.ID(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, "payment method removed")
}
