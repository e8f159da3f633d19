// Package runpod provides an HTTP client for the RunPod serverless endpoint
// that runs the portrait animation model.
package runpod

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput represents the input field in a RunPod run request.
type runInput struct {
	Preset      string `json:"preset"`
	ImageBase64 string `json:"image_base64"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output statusOutput `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// statusOutput represents the output field in a status response.
// The worker returns either inline video bytes or a URL to fetch them from.
type statusOutput struct {
	OutputMP4Base64 string `json:"output_mp4_base64,omitempty"`
	OutputURL       string `json:"output_url,omitempty"`
}

// PollResult contains the result of polling a job's status.
type PollResult struct {
	Status      Status
	VideoBase64 string // Base64-encoded video data (only set when Status is StatusCompleted)
	VideoURL    string // Download URL for the video (alternative to VideoBase64)
	Error       string // Error message (only set when Status is StatusFailed)
}
