package modal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"
)

// Static errors for Modal client operations.
var (
	// ErrEndpointURLRequired is returned when the endpoint URL is not provided.
	ErrEndpointURLRequired = errors.New("modal: endpoint URL is required")
	// ErrTokenNotSet is returned when the proxy auth token is not provided.
	ErrTokenNotSet = errors.New("modal: token ID and secret are required")
	// ErrRunFailed is returned when the endpoint reports an inference error.
	ErrRunFailed = errors.New("modal: inference failed")
	// ErrEmptyResult is returned when the endpoint returns no video.
	ErrEmptyResult = errors.New("modal: returned empty result")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("modal: server error")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("modal: request failed")
)

// Client defines the interface for running inference on Modal.
type Client interface {
	// Run sends the portrait and preset and returns the MP4 bytes.
	// drivingVideo may be nil when the remote side already has the preset.
	Run(ctx context.Context, image []byte, preset string, drivingVideo []byte) ([]byte, error)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the Modal Client interface.
type HTTPClient struct {
	endpointURL string
	tokenID     string
	tokenSecret string
	httpClient  *http.Client
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithToken sets the proxy auth token pair.
func WithToken(id, secret string) ClientOption {
	return func(hc *HTTPClient) {
		hc.tokenID = id
		hc.tokenSecret = secret
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the request timeout, which bounds the whole inference.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = &http.Client{Timeout: d}
	}
}

// NewClient creates a new Modal HTTP client.
// The token can be set via the WithToken option. If not provided,
// it is read from MODAL_TOKEN_ID and MODAL_TOKEN_SECRET.
func NewClient(endpointURL string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointURL == "" {
		return nil, ErrEndpointURLRequired
	}

	c := &HTTPClient{
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: 300 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokenID == "" && c.tokenSecret == "" {
		c.tokenID = os.Getenv("MODAL_TOKEN_ID")
		c.tokenSecret = os.Getenv("MODAL_TOKEN_SECRET")
	}

	if c.tokenID == "" || c.tokenSecret == "" {
		return nil, ErrTokenNotSet
	}

	return c, nil
}

// Run posts one inference request. It is single-attempt: a GPU run is
// never repeated on behalf of the caller.
func (c *HTTPClient) Run(ctx context.Context, image []byte, preset string, drivingVideo []byte) ([]byte, error) {
	reqBody := runRequest{
		Preset:      preset,
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	}
	if len(drivingVideo) > 0 {
		reqBody.DrivingVideoBase64 = base64.StdEncoding.EncodeToString(drivingVideo)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("modal: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("modal: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Modal-Key", c.tokenID)
	req.Header.Set("Modal-Secret", c.tokenSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modal: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("modal: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(respBody)
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, msg)
	}

	// The endpoint may stream the MP4 directly instead of wrapping it in JSON.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "video/mp4" {
		if len(respBody) == 0 {
			return nil, ErrEmptyResult
		}
		return respBody, nil
	}

	var out runResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("modal: unmarshal response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRunFailed, out.Error)
	}

	video, err := base64.StdEncoding.DecodeString(out.VideoBase64)
	if err != nil {
		return nil, fmt.Errorf("modal: decode output: %w", err)
	}
	if len(video) == 0 {
		return nil, ErrEmptyResult
	}
	return video, nil
}

// errorMessage extracts the error field from a JSON error body, falling
// back to a truncated raw body.
func errorMessage(body []byte) string {
	var out runResponse
	if err := json.Unmarshal(body, &out); err == nil && out.Error != "" {
		return out.Error
	}
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
