// Package job provides the Job aggregate for tracking photo animation jobs.
// It includes the Job entity with its one-directional state machine,
// the repository port with memory and SQL adapters, and the service that
// runs the generation task.
package job

import (
	"errors"
	"time"

	"github.com/maauso/smileloop-api/internal/job/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusUploaded indicates the source image is stored and generation has not started.
	StatusUploaded Status = "uploaded"
	// StatusProcessing indicates inference is running for the job.
	StatusProcessing Status = "processing"
	// StatusPreviewReady indicates both full and watermarked preview videos exist.
	StatusPreviewReady Status = "preview_ready"
	// StatusPaid indicates payment was confirmed and the full video can be downloaded.
	StatusPaid Status = "paid"
	// StatusFailed indicates generation failed.
	StatusFailed Status = "failed"
)

// maxErrorLen bounds the failure message stored on a job.
const maxErrorLen = 500

var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotReady is returned when an operation needs a finished preview.
	ErrNotReady = errors.New("job preview is not ready")
	// ErrNotPaid is returned when the full video is requested before payment.
	ErrNotPaid = errors.New("job is not paid")
)

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusUploaded:     {StatusProcessing, StatusFailed},
	StatusProcessing:   {StatusPreviewReady, StatusFailed},
	StatusPreviewReady: {StatusPaid, StatusFailed},
	StatusPaid:         {},
	StatusFailed:       {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid returns true if s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Job represents one animation request: an uploaded portrait, the chosen
// motion preset and the videos produced from them.
//
// Job values are not safe for concurrent mutation. Repositories hand out
// copies and apply changes through Repository.Update.
type Job struct {
	// ID is the unique identifier for this job.
	ID string
	// Email is the contact address supplied with the upload.
	Email string
	// Preset is the name of the driving-motion preset.
	Preset string
	// Status is the current job state.
	Status Status
	// Error contains the failure message if the job failed.
	Error string
	// Backend is the inference backend that served the job.
	Backend string

	// OriginalImagePath is the path to the uploaded portrait.
	OriginalImagePath string
	// FullVideoPath is the path to the unwatermarked video.
	FullVideoPath string
	// PreviewVideoPath is the path to the watermarked preview.
	PreviewVideoPath string
	// PreviewWatermarked is false when the preview is a plain copy of the full video.
	PreviewWatermarked bool

	// S3ImageKey, S3FullKey and S3PreviewKey are the mirrored object keys, if any.
	S3ImageKey   string
	S3FullKey    string
	S3PreviewKey string

	// StripeSessionID is the checkout session created for this job.
	StripeSessionID string
	// StripePaymentIntent is the payment reference recorded on confirmation.
	StripePaymentIntent string

	// DownloadCount is the number of successful full-video downloads.
	DownloadCount int

	// ClientIP and UserAgent describe the uploader.
	ClientIP  string
	UserAgent string

	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is refreshed by the repository on every write.
	UpdatedAt time.Time
	// PaidAt is when payment was first confirmed.
	PaidAt *time.Time
}

// New creates a new Job with a generated ID and initial uploaded status.
func New(email, preset string) *Job {
	return NewWithID(id.Generate(), email, preset)
}

// NewWithID creates a new Job with the specified ID and initial uploaded status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID, email, preset string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        jobID,
		Email:     email,
		Preset:    preset,
		Status:    StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	return nil
}

// Start transitions the job from uploaded to processing.
func (j *Job) Start() error {
	return j.TransitionTo(StatusProcessing)
}

// MarkPreviewReady records both video paths and moves the job to preview_ready.
func (j *Job) MarkPreviewReady(fullPath, previewPath string, watermarked bool) error {
	if fullPath == "" || previewPath == "" {
		return errors.New("job: both video paths are required")
	}
	if err := j.TransitionTo(StatusPreviewReady); err != nil {
		return err
	}
	j.FullVideoPath = fullPath
	j.PreviewVideoPath = previewPath
	j.PreviewWatermarked = watermarked
	j.Error = ""
	return nil
}

// Fail transitions the job to failed with an error message.
// Video paths are cleared so that a failed job never advertises videos.
func (j *Job) Fail(errMsg string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	j.Error = errMsg
	j.FullVideoPath = ""
	j.PreviewVideoPath = ""
	j.PreviewWatermarked = false
	return nil
}

// AttachCheckout records the checkout session started for this job.
// Only jobs with a ready preview can be paid for.
func (j *Job) AttachCheckout(sessionID string) error {
	if j.Status != StatusPreviewReady {
		return ErrNotReady
	}
	j.StripeSessionID = sessionID
	return nil
}

// MarkPaid moves the job to paid. Confirming an already paid job is a no-op
// and reports changed=false; PaidAt is never re-stamped.
func (j *Job) MarkPaid(paymentRef string, at time.Time) (bool, error) {
	if j.Status == StatusPaid {
		return false, nil
	}
	if err := j.TransitionTo(StatusPaid); err != nil {
		return false, err
	}
	paidAt := at.UTC()
	j.PaidAt = &paidAt
	if paymentRef != "" {
		j.StripePaymentIntent = paymentRef
	}
	return true, nil
}

// RecordDownload counts one successful full-video download.
func (j *Job) RecordDownload() error {
	if j.Status != StatusPaid {
		return ErrNotPaid
	}
	j.DownloadCount++
	return nil
}

// HasVideos reports whether the job advertises its videos.
func (j *Job) HasVideos() bool {
	return j.Status == StatusPreviewReady || j.Status == StatusPaid
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusPaid || j.Status == StatusFailed
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	if j.PaidAt != nil {
		paidAt := *j.PaidAt
		c.PaidAt = &paidAt
	}
	return &c
}
