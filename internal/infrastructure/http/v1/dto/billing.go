package dto

import (
	"encoding/json"
	"time"

	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
)

// UpgradePlanRequest asks for a quote. A nil UserLimit keeps the purchased seats.
type UpgradePlanRequest struct {
	Plan      string `json:"plan" binding:"required"`
	UserLimit *int   `json:"user_limit" binding:"omitempty,min=1"`
}

// ToChangeRequest converts the request for the billing service.
func (r UpgradePlanRequest) ToChangeRequest() (billing.ChangeRequest, error) {
	plan, err := billing.ParsePlan(r.Plan)
	if err != nil {
		return billing.ChangeRequest{}, err
	}
	return billing.ChangeRequest{Plan: plan, UserLimit: r.UserLimit}, nil
}

// ScheduleDowngradeRequest records a plan or seat reduction for the next renewal.
type ScheduleDowngradeRequest = UpgradePlanRequest

// CheckoutStartRequest opens a checkout.
type CheckoutStartRequest struct {
	Kind      string            `json:"kind" binding:"required,oneof=plan_change seat_increase addon"`
	Plan      string            `json:"plan"`
	UserLimit *int              `json:"user_limit" binding:"omitempty,min=1"`
	Addon     string            `json:"addon"`
	Metadata  map[string]string `json:"metadata"`
}

// ToIntent converts the request into a checkout intent for customerID.
func (r CheckoutStartRequest) ToIntent(customerID string) payment.CheckoutIntent {
	return payment.CheckoutIntent{
		Kind:       billing.ChangeKind(r.Kind),
		Plan:       billing.PlanTier(r.Plan),
		UserLimit:  r.UserLimit,
		Addon:      billing.Addon(r.Addon),
		CustomerID: customerID,
		Metadata:   r.Metadata,
	}
}

// CheckoutStartResponse returns the pending payment and the gateway intent.
type CheckoutStartResponse struct {
	Payment      *payment.Snapshot     `json:"payment"`
	Reference    string                `json:"reference"`
	ClientSecret string                `json:"client_secret,omitempty"`
	Status       payment.GatewayStatus `json:"gateway_status"`
}

// CheckoutConfirmRequest confirms a pending payment.
type CheckoutConfirmRequest struct {
	PaymentID     string `json:"payment_id" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

// CheckoutCancelRequest abandons a pending payment.
type CheckoutCancelRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
}

// ToggleAddonRequest flips one addon.
type ToggleAddonRequest struct {
	Addon string `json:"addon" binding:"required"`
}

// PaymentHistoryRequest filters the billing history.
type PaymentHistoryRequest struct {
	PageRequest
	Status string `form:"status"`
}

// PaymentMethodRequest stores a card token.
type PaymentMethodRequest struct {
	Token string `json:"token" binding:"required"`
}

// AuditEntryResponse is one subscription change.
type AuditEntryResponse struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Changes   json.RawMessage `json:"changes"`
	CreatedAt time.Time       `json:"created_at"`
}
