// Package gateway holds payment processor adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	stripe "github.com/stripe/stripe-go/v82"

	"worktally/internal/core/types"
	"worktally/internal/domain/payment"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey string
	// ReturnURL receives the customer after a 3-D Secure challenge.
	ReturnURL string
}

// Stripe implements payment.Gateway with PaymentIntents and PaymentMethods.
// Customer IDs that are not Stripe IDs are treated as tenant IDs and mapped
// to a Stripe customer tagged with metadata tenant_id.
type Stripe struct {
	config    StripeConfig
	sc        *stripe.Client
	customers sync.Map // tenant ID -> Stripe customer ID
}

// NewStripe creates the gateway with its own API client.
func NewStripe(config StripeConfig, opts ...stripe.ClientOption) (*Stripe, error) {
	if config.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	return &Stripe{config: config, sc: stripe.NewClient(config.SecretKey, opts...)}, nil
}

func (g *Stripe) Name() string { return "stripe" }

func (g *Stripe) CreatePaymentIntent(ctx context.Context, req payment.IntentRequest) (*payment.IntentRef, error) {
	cust, err := g.customer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(types.MinorUnits(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Customer:    stripe.String(cust),
		Description: stripe.String(req.Description),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return &payment.IntentRef{
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
	}, nil
}

// ConfirmPayment confirms the intent unless it already went past
// confirmation, in which case its current state is returned. Stripe rejects
// a second confirm of a captured intent.
func (g *Stripe) ConfirmPayment(ctx context.Context, req payment.ConfirmRequest) (*payment.ConfirmResult, error) {
	current, err := g.sc.V1PaymentIntents.Retrieve(ctx, req.Reference, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent: %w", err)
	}
	if confirmed(current.Status) {
		return confirmResult(current), nil
	}

	params := &stripe.PaymentIntentConfirmParams{}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	if req.OffSession {
		params.OffSession = stripe.Bool(true)
	} else if g.config.ReturnURL != "" {
		params.ReturnURL = stripe.String(g.config.ReturnURL)
	}

	pi, err := g.sc.V1PaymentIntents.Confirm(ctx, req.Reference, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			return &payment.ConfirmResult{
				Reference:   req.Reference,
				Status:      payment.GatewayDeclined,
				DeclineCode: declineCode(serr),
				Message:     serr.Msg,
			}, nil
		}
		return nil, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}
	return confirmResult(pi), nil
}

func confirmed(s stripe.PaymentIntentStatus) bool {
	switch s {
	case stripe.PaymentIntentStatusSucceeded,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresCapture:
		return true
	}
	return false
}

// confirmResult maps a PaymentIntent to the gateway-neutral result.
func confirmResult(pi *stripe.PaymentIntent) *payment.ConfirmResult {
	res := &payment.ConfirmResult{Reference: pi.ID, Status: intentStatus(pi.Status)}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		res.NextActionURL = pi.NextAction.RedirectToURL.URL
	}
	if res.Status == payment.GatewayDeclined && pi.LastPaymentError != nil {
		res.DeclineCode = declineCode(pi.LastPaymentError)
		res.Message = pi.LastPaymentError.Msg
	}
	return res
}

func intentStatus(s stripe.PaymentIntentStatus) payment.GatewayStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.GatewaySucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return payment.GatewayProcessing
	case stripe.PaymentIntentStatusRequiresAction:
		return payment.GatewayRequiresAction
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return payment.GatewayCreated
	default:
		// requires_payment_method after a failed attempt, or canceled
		return payment.GatewayDeclined
	}
}

func declineCode(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "card_declined"
}

func (g *Stripe) ListPaymentMethods(ctx context.Context, customerID string) ([]payment.PaymentMethod, error) {
	cust, err := g.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	def, err := g.defaultMethod(ctx, cust)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(cust),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}

	var out []payment.PaymentMethod
	for spm, err := range g.sc.V1PaymentMethods.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("stripe: list payment methods: %w", err)
		}
		pm := toMethod(spm)
		pm.IsDefault = pm.ID == def
		out = append(out, pm)
	}
	return out, nil
}

// StorePaymentMethod attaches a PaymentMethod created client-side (token is
// its pm_ ID). The first method becomes the default.
func (g *Stripe) StorePaymentMethod(ctx context.Context, customerID, token string) (*payment.PaymentMethod, error) {
	if !strings.HasPrefix(token, "pm_") {
		return nil, fmt.Errorf("%w: expected a payment method id", payment.ErrInvalidMethod)
	}
	cust, err := g.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(cust)}
	spm, err := g.sc.V1PaymentMethods.Attach(ctx, token, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, fmt.Errorf("%w: %s", payment.ErrInvalidMethod, serr.Msg)
		}
		return nil, fmt.Errorf("stripe: attach payment method: %w", err)
	}

	pm := toMethod(spm)
	def, err := g.defaultMethod(ctx, cust)
	if err != nil {
		return nil, err
	}
	if def == "" {
		if err := g.setDefault(ctx, cust, pm.ID); err != nil {
			return nil, err
		}
		def = pm.ID
	}
	pm.IsDefault = pm.ID == def
	return &pm, nil
}

func (g *Stripe) SetDefaultPaymentMethod(ctx context.Context, customerID, methodID string) error {
	cust, err := g.customer(ctx, customerID)
	if err != nil {
		return err
	}
	if err := g.owned(ctx, cust, methodID); err != nil {
		return err
	}
	return g.setDefault(ctx, cust, methodID)
}

func (g *Stripe) RemovePaymentMethod(ctx context.Context, customerID, methodID string) error {
	cust, err := g.customer(ctx, customerID)
	if err != nil {
		return err
	}
	if err := g.owned(ctx, cust, methodID); err != nil {
		return err
	}
	if _, err := g.sc.V1PaymentMethods.Detach(ctx, methodID, &stripe.PaymentMethodDetachParams{}); err != nil {
		return fmt.Errorf("stripe: detach payment method: %w", err)
	}
	return nil
}

func (g *Stripe) owned(ctx context.Context, cust, methodID string) error {
	pm, err := g.sc.V1PaymentMethods.Retrieve(ctx, methodID, nil)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return payment.ErrUnknownMethod
		}
		return fmt.Errorf("stripe: get payment method: %w", err)
	}
	if pm.Customer == nil || pm.Customer.ID != cust {
		return payment.ErrUnknownMethod
	}
	return nil
}

func (g *Stripe) setDefault(ctx context.Context, cust, methodID string) error {
	params := &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(methodID),
		},
	}
	if _, err := g.sc.V1Customers.Update(ctx, cust, params); err != nil {
		return fmt.Errorf("stripe: set default payment method: %w", err)
	}
	return nil
}

func (g *Stripe) defaultMethod(ctx context.Context, cust string) (string, error) {
	c, err := g.sc.V1Customers.Retrieve(ctx, cust, nil)
	if err != nil {
		return "", fmt.Errorf("stripe: get customer: %w", err)
	}
	if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", nil
	}
	return c.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

// customer maps a tenant ID to its Stripe customer, creating one on first use.
func (g *Stripe) customer(ctx context.Context, customerID string) (string, error) {
	if strings.HasPrefix(customerID, "cus_") {
		return customerID, nil
	}
	if customerID == "" {
		return "", errors.New("stripe: customer id is required")
	}
	if v, ok := g.customers.Load(customerID); ok {
		return v.(string), nil
	}

	search := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['tenant_id']:'%s'", customerID),
		},
	}
	for c, err := range g.sc.V1Customers.Search(ctx, search) {
		if err != nil {
			return "", fmt.Errorf("stripe: search customer: %w", err)
		}
		g.customers.Store(customerID, c.ID)
		return c.ID, nil
	}

	params := &stripe.CustomerCreateParams{}
	params.AddMetadata("tenant_id", customerID)
	params.SetIdempotencyKey("customer-" + customerID)
	c, err := g.sc.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	g.customers.Store(customerID, c.ID)
	return c.ID, nil
}

func toMethod(pm *stripe.PaymentMethod) payment.PaymentMethod {
	out := payment.PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	return out
}

var _ payment.Gateway = (*Stripe)(nil)
