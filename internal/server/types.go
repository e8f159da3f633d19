// Package server provides the HTTP API for SmileLoop.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// GenerateResponse is returned after an upload is accepted.
type GenerateResponse struct {
	// JobID is the identifier of the created job.
	JobID string `json:"job_id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// StatusResponse describes a job to the polling client.
type StatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	// Error contains the failure message if the job failed.
	Error string `json:"error,omitempty"`
	// PreviewURL is set once the watermarked preview exists.
	PreviewURL string `json:"preview_url,omitempty"`
	// FullURL is set once the job is paid.
	FullURL string `json:"full_url,omitempty"`
}

// CheckoutRequest is the body of POST /api/create-checkout.
type CheckoutRequest struct {
	JobID string `json:"job_id" validate:"required"`
}

// CheckoutResponse carries either a new checkout session or the download
// link of an already paid job.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	AlreadyPaid bool   `json:"already_paid,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// VerifyResponse is returned by POST /api/verify-payment/{id}.
type VerifyResponse struct {
	Paid        bool   `json:"paid"`
	Pending     bool   `json:"pending,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// WebhookResponse acknowledges a payment provider event.
type WebhookResponse struct {
	Received bool `json:"received"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Backend is the configured inference backend.
	Backend string `json:"backend"`
	// StripeConfigured reports whether checkout is available.
	StripeConfigured bool `json:"stripe_configured"`
}

// ConfigResponse is the public configuration consumed by the web client.
type ConfigResponse struct {
	StripePublishableKey string `json:"stripe_publishable_key"`
	PriceCents           int64  `json:"price_cents"`
	PriceDisplay         string `json:"price_display"`
	Currency             string `json:"currency"`
	TurnstileSiteKey     string `json:"turnstile_site_key"`
}

// PresetsResponse lists the available motion presets.
type PresetsResponse struct {
	Presets []string `json:"presets"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}
