package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"worktally/internal/core/id"
	"worktally/internal/core/types"
)

// Simulator test cards.
const (
	CardSuccess         = "4242424242424242"
	CardDeclined        = "4000000000000002"
	CardExpired         = "4000000000000069"
	CardProcessingError = "4000000000000119"
	CardRequiresAction  = "4000000000003220"
)

type simCard struct {
	status      GatewayStatus
	declineCode string
	message     string
}

var simCards = map[string]simCard{
	CardSuccess:         {status: GatewaySucceeded},
	CardDeclined:        {status: GatewayDeclined, declineCode: "card_declined", message: "Your card was declined."},
	CardExpired:         {status: GatewayDeclined, declineCode: "expired_card", message: "Your card has expired."},
	CardProcessingError: {status: GatewayDeclined, declineCode: "processing_error", message: "An error occurred while processing your card."},
	CardRequiresAction:  {status: GatewayRequiresAction},
}

type simIntent struct {
	customer string
	amount   types.Money
	currency string
	status   GatewayStatus
	// challenged is set once a requires-action card has been challenged;
	// the next confirmation succeeds.
	challenged bool
}

type simMethod struct {
	PaymentMethod
	card string
}

// Simulator is an in-process Gateway keyed on test card numbers.
// Unknown cards are declined. Intents opened with an idempotency key are
// returned again, in their current state, for the same key.
type Simulator struct {
	mu       sync.Mutex
	intents  map[string]*simIntent
	keys     map[string]string
	methods  map[string][]*simMethod
	defaults map[string]string
}

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		intents:  map[string]*simIntent{},
		keys:     map[string]string{},
		methods:  map[string][]*simMethod{},
		defaults: map[string]string{},
	}
}

func (s *Simulator) Name() string { return "simulated" }

func (s *Simulator) CreatePaymentIntent(_ context.Context, req IntentRequest) (*IntentRef, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", req.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.keys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		intent := s.intents[ref]
		if !intent.amount.Equal(req.Amount) || intent.customer != req.CustomerID {
			return nil, fmt.Errorf("idempotency key %q reused with different parameters", req.IdempotencyKey)
		}
		return &IntentRef{Reference: ref, ClientSecret: ref + "_secret", Status: intent.status}, nil
	}

	ref := "pi_sim_" + strings.ReplaceAll(id.NewString(), "-", "")
	if req.IdempotencyKey != "" {
		s.keys[req.IdempotencyKey] = ref
	}
	s.intents[ref] = &simIntent{
		customer: req.CustomerID,
		amount:   req.Amount,
		currency: req.Currency,
		status:   GatewayCreated,
	}
	return &IntentRef{Reference: ref, ClientSecret: ref + "_secret", Status: GatewayCreated}, nil
}

func (s *Simulator) ConfirmPayment(_ context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[req.Reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, req.Reference)
	}
	if intent.status == GatewaySucceeded {
		return &ConfirmResult{Reference: req.Reference, Status: GatewaySucceeded}, nil
	}

	card := s.resolveCard(intent.customer, req.PaymentMethod)
	outcome, known := simCards[card]
	if !known {
		outcome = simCard{status: GatewayDeclined, declineCode: "card_not_supported", message: "Unknown test card."}
	}

	res := &ConfirmResult{Reference: req.Reference, Status: outcome.status, DeclineCode: outcome.declineCode, Message: outcome.message}
	if outcome.status == GatewayRequiresAction {
		if intent.challenged {
			res.Status = GatewaySucceeded
		} else {
			intent.challenged = true
			res.NextActionURL = "https://simulator.invalid/3ds/" + req.Reference
		}
	}
	intent.status = res.Status
	return res, nil
}

// resolveCard maps a stored method ID, a raw card number or the customer's
// default method to a card number. Caller holds mu.
func (s *Simulator) resolveCard(customer, method string) string {
	if method == "" {
		method = s.defaults[customer]
	}
	for _, m := range s.methods[customer] {
		if m.ID == method {
			return m.card
		}
	}
	return strings.ReplaceAll(method, " ", "")
}

func (s *Simulator) ListPaymentMethods(_ context.Context, customerID string) ([]PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaymentMethod, 0, len(s.methods[customerID]))
	for _, m := range s.methods[customerID] {
		pm := m.PaymentMethod
		pm.IsDefault = s.defaults[customerID] == m.ID
		out = append(out, pm)
	}
	return out, nil
}

// StorePaymentMethod stores a test card number as a payment method.
func (s *Simulator) StorePaymentMethod(_ context.Context, customerID, token string) (*PaymentMethod, error) {
	card := strings.ReplaceAll(token, " ", "")
	if len(card) < 12 {
		return nil, fmt.Errorf("%w: card number too short", ErrInvalidMethod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := &simMethod{
		PaymentMethod: PaymentMethod{
			ID:       "pm_sim_" + strings.ReplaceAll(id.NewString(), "-", "")[:16],
			Brand:    "visa",
			Last4:    card[len(card)-4:],
			ExpMonth: 12,
			ExpYear:  2034,
		},
		card: card,
	}
	s.methods[customerID] = append(s.methods[customerID], m)
	if _, ok := s.defaults[customerID]; !ok {
		s.defaults[customerID] = m.ID
	}
	pm := m.PaymentMethod
	pm.IsDefault = s.defaults[customerID] == m.ID
	return &pm, nil
}

func (s *Simulator) SetDefaultPaymentMethod(_ context.Context, customerID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods[customerID] {
		if m.ID == methodID {
			s.defaults[customerID] = methodID
			return nil
		}
	}
	return ErrUnknownMethod
}

func (s *Simulator) RemovePaymentMethod(_ context.Context, customerID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := s.methods[customerID]
	for i, m := range methods {
		if m.ID == methodID {
			s.methods[customerID] = append(methods[:i], methods[i+1:]...)
			if s.defaults[customerID] == methodID {
				delete(s.defaults, customerID)
			}
			return nil
		}
	}
	return ErrUnknownMethod
}

var _ Gateway = (*Simulator)(nil)
