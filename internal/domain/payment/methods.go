package payment

import (
	"context"
	"errors"

	"worktally/internal/core/apperror"
)

// PaymentMethods lists the customer's stored methods.
func (e *Engine) PaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	list, err := e.gateway.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return nil, gatewayErr(err)
	}
	return list, nil
}

// AddPaymentMethod stores token for the customer.
func (e *Engine) AddPaymentMethod(ctx context.Context, customerID, token string) (*PaymentMethod, error) {
	if token == "" {
		return nil, apperror.NewValidation("payment method token is required").WithDetail("field", "token")
	}
	pm, err := e.gateway.StorePaymentMethod(ctx, customerID, token)
	if err != nil {
		return nil, gatewayErr(err)
	}
	return pm, nil
}

// SetDefaultPaymentMethod marks methodID as the default.
func (e *Engine) SetDefaultPaymentMethod(ctx context.Context, customerID, methodID string) error {
	return gatewayErr(e.gateway.SetDefaultPaymentMethod(ctx, customerID, methodID))
}

// RemovePaymentMethod detaches methodID.
func (e *Engine) RemovePaymentMethod(ctx context.Context, customerID, methodID string) error {
	return gatewayErr(e.gateway.RemovePaymentMethod(ctx, customerID, methodID))
}

func gatewayErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownMethod):
		return apperror.NewNotFound("payment method", "")
	case errors.Is(err, ErrInvalidMethod):
		return apperror.NewValidation(err.Error()).WithDetail("field", "token")
	default:
		return apperror.NewPaymentGateway(err)
	}
}
