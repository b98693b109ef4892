package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"worktally/internal/domain/payment"
)

func TestIntentStatus(t *testing.T) {
	tests := map[stripe.PaymentIntentStatus]payment.GatewayStatus{
		stripe.PaymentIntentStatusSucceeded:             payment.GatewaySucceeded,
		stripe.PaymentIntentStatusProcessing:            payment.GatewayProcessing,
		stripe.PaymentIntentStatusRequiresAction:        payment.GatewayRequiresAction,
		stripe.PaymentIntentStatusRequiresPaymentMethod: payment.GatewayDeclined,
		stripe.PaymentIntentStatusCanceled:              payment.GatewayDeclined,
		stripe.PaymentIntentStatusRequiresConfirmation:  payment.GatewayCreated,
	}
	for in, want := range tests {
		assert.Equal(t, want, intentStatus(in), string(in))
	}
}

func TestConfirmResult(t *testing.T) {
	action := confirmResult(&stripe.PaymentIntent{
		ID:     "pi_1",
		Status: stripe.PaymentIntentStatusRequiresAction,
		NextAction: &stripe.PaymentIntentNextAction{
			RedirectToURL: &stripe.PaymentIntentNextActionRedirectToURL{URL: "https://hooks.stripe.com/3ds"},
		},
	})
	assert.Equal(t, payment.GatewayRequiresAction, action.Status)
	assert.Equal(t, "https://hooks.stripe.com/3ds", action.NextActionURL)

	declined := confirmResult(&stripe.PaymentIntent{
		ID:               "pi_2",
		Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
		LastPaymentError: &stripe.Error{DeclineCode: stripe.DeclineCodeInsufficientFunds, Msg: "Your card has insufficient funds."},
	})
	assert.Equal(t, payment.GatewayDeclined, declined.Status)
	assert.Equal(t, "insufficient_funds", declined.DeclineCode)
	assert.Equal(t, "pi_2", declined.Reference)
}

func TestDeclineCode(t *testing.T) {
	assert.Equal(t, "expired_card", declineCode(&stripe.Error{Code: stripe.ErrorCodeExpiredCard}))
	assert.Equal(t, "card_declined", declineCode(&stripe.Error{}))
}

func TestNewStripe_RequiresKey(t *testing.T) {
	_, err := NewStripe(StripeConfig{})
	assert.Error(t, err)
}

// newTestStripe points a gateway at h instead of the Stripe API.
func newTestStripe(t *testing.T, h http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	g, err := NewStripe(
		StripeConfig{SecretKey: "sk_test_worktally", ReturnURL: "https://app.worktally.invalid/billing"},
		stripe.WithBackends(&stripe.Backends{API: backend, Connect: backend, Uploads: backend, MeterEvents: backend}),
	)
	require.NoError(t, err)
	return g
}

func TestStripe_ConfirmReturnsCapturedIntentWithoutConfirming(t *testing.T) {
	confirms := make(chan struct{}, 4)
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_1":
			fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
		case "/v1/payment_intents/pi_1/confirm":
			confirms <- struct{}{}
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state"}}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := g.ConfirmPayment(context.Background(), payment.ConfirmRequest{Reference: "pi_1", PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.Equal(t, payment.GatewaySucceeded, res.Status)
	assert.Equal(t, "pi_1", res.Reference)
	assert.Empty(t, confirms)
}

func TestStripe_OffSessionConfirm(t *testing.T) {
	forms := make(chan url.Values, 1)
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_2":
			fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"requires_confirmation"}`)
		case "/v1/payment_intents/pi_2/confirm":
			_ = r.ParseForm()
			forms <- r.PostForm
			fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"succeeded"}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := g.ConfirmPayment(context.Background(), payment.ConfirmRequest{
		Reference:     "pi_2",
		PaymentMethod: "pm_1",
		OffSession:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, payment.GatewaySucceeded, res.Status)

	form := <-forms
	assert.Equal(t, "true", form.Get("off_session"))
	assert.Equal(t, "pm_1", form.Get("payment_method"))
	assert.Empty(t, form.Get("return_url"))
}
