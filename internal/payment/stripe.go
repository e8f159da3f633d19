package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Compile-time check that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)

// StripeConfig holds the Stripe settings.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceCents    int64
	Currency      string
	ProductName   string
	Description   string
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	priceCents    int64
	currency      string
	productName   string
	description   string
	tolerance     time.Duration
}

// StripeOption configures a StripeGateway.
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithAPIBaseURL points the client at a different API host.
func WithAPIBaseURL(u string) StripeOption {
	return func(o *stripeOptions) {
		o.baseURL = u
	}
}

// WithStripeHTTPClient sets a custom HTTP client.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(o *stripeOptions) {
		o.httpClient = c
	}
}

// NewStripeGateway creates a gateway for cfg.
func NewStripeGateway(cfg StripeConfig, opts ...StripeOption) *StripeGateway {
	o := stripeOptions{httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        o.httpClient,
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if o.baseURL != "" {
		backendCfg.URL = stripe.String(o.baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "SmileLoop Full Video"
	}
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		priceCents:    cfg.PriceCents,
		currency:      cfg.Currency,
		productName:   cfg.ProductName,
		description:   cfg.Description,
		tolerance:     webhook.DefaultTolerance,
	}
}

// CreateCheckoutSession creates a one-item payment session.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(g.productName),
	}
	if g.description != "" {
		product.Description = stripe.String(g.description)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(g.currency),
				UnitAmount:  stripe.Int64(g.priceCents),
				ProductData: product,
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.JobID),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("job_id", req.JobID)
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("payment: create checkout session: %w", err)
	}
	return toSession(s), nil
}

// GetCheckoutSession retrieves a session by ID.
func (g *StripeGateway) GetCheckoutSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("payment: get checkout session %s: %w", id, err)
	}
	return toSession(s), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil && ev.Data.Object["object"] == "checkout.session" {
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("payment: decode checkout session: %w", err)
		}
		out.Session = toSession(&s)
	}
	return out, nil
}

func toSession(s *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:    s.ID,
		URL:   s.URL,
		Paid:  s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		JobID: s.Metadata["job_id"],
	}
	if out.JobID == "" {
		out.JobID = s.ClientReferenceID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}
