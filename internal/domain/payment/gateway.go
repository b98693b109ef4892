package payment

import (
	"context"
	"errors"

	"worktally/internal/core/types"
)

// GatewayStatus is the processor's view of a charge.
type GatewayStatus string

const (
	GatewaySucceeded      GatewayStatus = "succeeded"
	GatewayDeclined       GatewayStatus = "declined"
	GatewayProcessing     GatewayStatus = "processing"
	GatewayRequiresAction GatewayStatus = "requires_action"
	GatewayCreated        GatewayStatus = "requires_confirmation"
)

// ErrUnknownIntent is returned when a gateway reference does not exist.
var ErrUnknownIntent = errors.New("payment intent not found")

// ErrUnknownMethod is returned for a payment method the customer does not own.
var ErrUnknownMethod = errors.New("payment method not found")

// ErrInvalidMethod is returned when a payment method token is rejected.
var ErrInvalidMethod = errors.New("invalid payment method")

// IntentRequest opens a charge.
type IntentRequest struct {
	CustomerID     string
	Amount         types.Money
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentRef is an opened charge.
type IntentRef struct {
	Reference    string        `json:"reference"`
	ClientSecret string        `json:"client_secret,omitempty"`
	Status       GatewayStatus `json:"status"`
}

// ConfirmRequest confirms a charge with a payment method.
type ConfirmRequest struct {
	Reference     string
	CustomerID    string
	PaymentMethod string
	// OffSession marks a charge made without the customer present.
	OffSession bool
}

// ConfirmResult is the gateway's answer to a confirmation.
type ConfirmResult struct {
	Reference     string
	Status        GatewayStatus
	DeclineCode   string
	Message       string
	NextActionURL string
}

// PaymentMethod is a stored card.
type PaymentMethod struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

// Gateway is a payment processor. Implementations do not retry.
type Gateway interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentRef, error)
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	StorePaymentMethod(ctx context.Context, customerID, token string) (*PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, methodID string) error
	RemovePaymentMethod(ctx context.Context, customerID, methodID string) error
}
