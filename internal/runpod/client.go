package runpod

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Static errors for RunPod client operations.
var (
	// ErrEndpointIDRequired is returned when the endpoint ID is not provided.
	ErrEndpointIDRequired = errors.New("runpod: endpoint ID is required")
	// ErrAPIKeyNotSet is returned when the RUNPOD_API_KEY environment variable is not set.
	ErrAPIKeyNotSet = errors.New("runpod: RUNPOD_API_KEY environment variable is not set")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("runpod: job ID is required")
	// ErrNoJobIDReturned is returned when the submit response contains no job ID.
	ErrNoJobIDReturned = errors.New("runpod: submit failed: no job ID returned")
	// ErrSubmitFailed is returned when the submit operation fails.
	ErrSubmitFailed = errors.New("runpod: submit failed")
	// ErrJobFailed is returned when the remote job ends in a non-success state.
	ErrJobFailed = errors.New("runpod: job failed")
	// ErrNoOutput is returned when a completed job carries no video.
	ErrNoOutput = errors.New("runpod: no output found in response")
	// ErrTimeout is returned when the job does not finish in time.
	ErrTimeout = errors.New("runpod: job timed out")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("runpod: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("runpod: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("runpod: request failed")
)

// Client defines the interface for interacting with the RunPod API.
type Client interface {
	// Submit sends an animation job to RunPod and returns the job ID.
	Submit(ctx context.Context, imageB64, preset string) (jobID string, err error)

	// Poll checks the status of a job and returns the result.
	Poll(ctx context.Context, jobID string) (PollResult, error)

	// Run submits a job, waits for it and returns the MP4 bytes.
	Run(ctx context.Context, image []byte, preset string) ([]byte, error)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the RunPod Client interface.
type HTTPClient struct {
	apiKey       string
	endpointID   string
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	baseBackoff  time.Duration
	pollInterval time.Duration
	timeout      time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the RunPod API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = url
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
// Retries apply to status polls and output downloads only.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// WithPollInterval sets how often Run checks the job status.
func WithPollInterval(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.pollInterval = d
	}
}

// WithTimeout bounds a whole Run call.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.timeout = d
	}
}

// NewClient creates a new RunPod HTTP client.
// The API key can be set via the WithAPIKey option. If not provided,
// it is read from the environment variable RUNPOD_API_KEY.
// The endpoint ID must be provided.
func NewClient(endpointID string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointID == "" {
		return nil, ErrEndpointIDRequired
	}

	c := &HTTPClient{
		endpointID:   endpointID,
		baseURL:      "https://api.runpod.ai/v2",
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseBackoff:  1 * time.Second,
		pollInterval: 3 * time.Second,
		timeout:      300 * time.Second,
	}

	// Apply options first to allow WithAPIKey to set the API key
	for _, opt := range opts {
		opt(c)
	}

	// If API key was not set via option, try environment variable
	if c.apiKey == "" {
		c.apiKey = os.Getenv("RUNPOD_API_KEY")
	}

	if c.apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	return c, nil
}

// Submit sends an animation job to RunPod and returns the job ID.
// Submission is single-attempt; only polls and downloads are retried.
func (c *HTTPClient) Submit(ctx context.Context, imageB64, preset string) (string, error) {
	reqBody := runRequest{
		Input: runInput{
			Preset:      preset,
			ImageBase64: imageB64,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("runpod: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/run", c.baseURL, c.endpointID)

	var resp runResponse
	if err := c.doRequest(ctx, http.MethodPost, url, bodyBytes, true, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
		}
		return "", ErrNoJobIDReturned
	}

	return resp.ID, nil
}

// Poll checks the status of a job and returns the result.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if jobID == "" {
		return PollResult{}, ErrJobIDRequired
	}

	url := fmt.Sprintf("%s/%s/status/%s", c.baseURL, c.endpointID, jobID)

	var resp statusResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, url, true, &resp); err != nil {
		return PollResult{}, err
	}

	result := PollResult{
		Status: Status(resp.Status),
	}

	switch result.Status {
	case StatusCompleted:
		result.VideoBase64 = resp.Output.OutputMP4Base64
		result.VideoURL = resp.Output.OutputURL
	case StatusFailed:
		result.Error = resp.Error
	}

	return result, nil
}

// Run submits the image, polls until the job reaches a terminal state and
// returns the decoded or downloaded video.
func (c *HTTPClient) Run(ctx context.Context, image []byte, preset string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jobID, err := c.Submit(ctx, base64.StdEncoding.EncodeToString(image), preset)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.Poll(ctx, jobID)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
			}
			return nil, err
		}

		switch result.Status {
		case StatusCompleted:
			return c.output(ctx, result)
		case StatusFailed, StatusCancelled, StatusTimedOut:
			msg := result.Error
			if msg == "" {
				msg = string(result.Status)
			}
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, msg)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
			}
			return nil, fmt.Errorf("runpod: context cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// output extracts the video from a completed poll result.
func (c *HTTPClient) output(ctx context.Context, result PollResult) ([]byte, error) {
	switch {
	case result.VideoURL != "":
		var video []byte
		if err := c.doRequestWithRetry(ctx, http.MethodGet, result.VideoURL, false, &video); err != nil {
			return nil, fmt.Errorf("runpod: download output: %w", err)
		}
		return video, nil
	case result.VideoBase64 != "":
		video, err := base64.StdEncoding.DecodeString(result.VideoBase64)
		if err != nil {
			return nil, fmt.Errorf("runpod: decode output: %w", err)
		}
		return video, nil
	default:
		return nil, ErrNoOutput
	}
}

// doRequestWithRetry performs an idempotent HTTP request with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, url string, auth bool, result interface{}) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("runpod: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		err := c.doRequest(ctx, method, url, nil, auth, result)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		if !isRetryable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("runpod: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request. A *[]byte result receives the
// raw body; anything else is decoded as JSON.
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body []byte, auth bool, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("runpod: create request: %w", err)
	}

	if auth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("runpod: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("runpod: read response: %w", err)}
	}

	// Handle non-2xx status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 5xx errors are retryable
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, truncate(respBody))}
		}
		// 429 (rate limit) is retryable
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, truncate(respBody))}
		}
		// Other errors are not retryable
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(respBody))
	}

	switch r := result.(type) {
	case nil:
	case *[]byte:
		*r = respBody
	default:
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("runpod: unmarshal response: %w", err)
		}
	}

	return nil
}

// truncate keeps error messages readable when the body is a video or HTML page.
func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
