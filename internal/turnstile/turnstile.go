// Package turnstile verifies Cloudflare Turnstile tokens submitted with uploads.
package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// DefaultVerifyURL is Cloudflare's siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("turnstile: missing bot verification token")
	// ErrRejected is returned when Cloudflare rejects the token.
	ErrRejected = errors.New("turnstile: bot verification failed")
	// ErrExpired is returned for expired or reused tokens.
	ErrExpired = errors.New("turnstile: bot verification expired")
	// ErrRequestFailed is returned when siteverify cannot be reached or answers non-2xx.
	ErrRequestFailed = errors.New("turnstile: verification request failed")
)

// VerificationError carries the error codes reported by Cloudflare.
type VerificationError struct {
	Codes []string
	Err   error
}

func (e *VerificationError) Error() string {
	if len(e.Codes) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", e.Err, strings.Join(e.Codes, ", "))
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verifier checks tokens against siteverify. A Verifier without a secret
// accepts every request.
type Verifier struct {
	secret     string
	verifyURL  string
	httpClient *http.Client
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithVerifyURL overrides the siteverify endpoint.
func WithVerifyURL(u string) Option {
	return func(v *Verifier) {
		v.verifyURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = c
	}
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:     secret,
		verifyURL:  DefaultVerifyURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool {
	return v.secret != ""
}

// Verify validates token for the client at remoteIP.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if !v.Enabled() {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}

	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("turnstile: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var out siteverifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	if out.Success {
		return nil
	}
	if slices.Contains(out.ErrorCodes, "timeout-or-duplicate") {
		return &VerificationError{Codes: out.ErrorCodes, Err: ErrExpired}
	}
	return &VerificationError{Codes: out.ErrorCodes, Err: ErrRejected}
}
