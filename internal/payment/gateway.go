// Package payment sells the full video through hosted checkout sessions and
// confirms payment from signed webhooks or an explicit verification call.
package payment

import (
	"context"
	"errors"
)

// Checkout event types that confirm a payment.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var (
	// ErrNotConfigured is returned when no gateway is set up.
	ErrNotConfigured = errors.New("payment: payments are not configured")
	// ErrInvalidSignature is returned for webhooks that fail verification.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrNotReadyForPayment is returned when checkout is requested for a job
	// without a ready preview.
	ErrNotReadyForPayment = errors.New("payment: job not ready for payment")
)

// CheckoutRequest describes the session to create.
type CheckoutRequest struct {
	JobID      string
	Email      string
	SuccessURL string
	CancelURL  string
}

// Session is the gateway's view of a checkout session.
type Session struct {
	ID              string
	URL             string
	Paid            bool
	PaymentIntentID string
	// JobID is read from the session metadata, empty if absent.
	JobID string
}

// Event is a verified webhook event. Session is nil for events that do not
// carry a checkout session.
type Event struct {
	ID      string
	Type    string
	Session *Session
}

// Gateway talks to the payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	GetCheckoutSession(ctx context.Context, id string) (*Session, error)
	// ParseWebhook verifies the signature header and decodes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
