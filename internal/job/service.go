package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/smileloop-api/internal/inference"
	"github.com/maauso/smileloop-api/internal/media"
	"github.com/maauso/smileloop-api/internal/preset"
	"github.com/maauso/smileloop-api/internal/storage"
)

// ErrArtifactMissing is returned when a job advertises a video whose file is gone.
var ErrArtifactMissing = errors.New("job artifact is missing")

// Inference runs one animation. *inference.Dispatcher implements it.
type Inference interface {
	Kind() inference.Kind
	Run(ctx context.Context, req inference.Request) ([]byte, error)
}

// Presets resolves preset names. *preset.Registry implements it.
type Presets interface {
	Lookup(name string) (preset.Preset, error)
}

// Notifier tells the uploader that their preview is ready.
type Notifier interface {
	PreviewReady(ctx context.Context, email, jobID string) error
}

// CreateJobInput contains the validated upload.
type CreateJobInput struct {
	// Email is the uploader's contact address.
	Email string
	// Preset is the motion preset name.
	Preset string
	// Image holds the raw JPEG or PNG bytes.
	Image []byte
	// Ext is the image file extension without dot. Detected when empty.
	Ext string
	// ClientIP and UserAgent describe the uploader.
	ClientIP  string
	UserAgent string
}

// Artifact is an opened job video.
type Artifact struct {
	// Name is the file name offered to clients.
	Name string
	// Size is the length in bytes, or -1 when unknown.
	Size int64
	// ModTime is the last modification time, zero when unknown.
	ModTime time.Time
	// Content is set for local files and supports range requests.
	Content io.ReadSeeker
	// Body must be closed by the caller.
	Body io.ReadCloser
}

// Service orchestrates the job lifecycle: upload, generation, payment
// bookkeeping and artifact access.
//
// Dependencies:
//   - Repository: job persistence
//   - Inference: portrait animation
//   - Presets: driving-motion clips
//   - storage.Storage: job files and the optional S3 mirror
//   - media.Watermarker: preview rendering
//   - Notifier: preview-ready email (optional)
type Service struct {
	repo        Repository
	inference   Inference
	presets     Presets
	storage     storage.Storage
	watermarker media.Watermarker
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the preview-ready notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new Service.
func NewService(
	repo Repository,
	inf Inference,
	presets Presets,
	store storage.Storage,
	watermarker media.Watermarker,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		repo:        repo,
		inference:   inf,
		presets:     presets,
		storage:     store,
		watermarker: watermarker,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores the uploaded image and creates the job in uploaded status.
// Nothing is left behind when it fails.
func (s *Service) CreateJob(ctx context.Context, input CreateJobInput) (*Job, error) {
	if _, err := s.presets.Lookup(input.Preset); err != nil {
		return nil, err
	}

	ext := strings.TrimPrefix(input.Ext, ".")
	if ext == "" {
		ext = strings.TrimPrefix(mimetype.Detect(input.Image).Extension(), ".")
	}

	job := New(input.Email, input.Preset)
	job.ClientIP = input.ClientIP
	job.UserAgent = input.UserAgent

	path, err := s.storage.SaveArtifact(ctx, job.ID, storage.OriginalImageName(ext), bytes.NewReader(input.Image))
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	job.OriginalImagePath = path

	if err := s.repo.Create(ctx, job); err != nil {
		_ = s.storage.RemoveJob(context.WithoutCancel(ctx), job.ID)
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("preset", job.Preset),
		slog.Int("image_bytes", len(input.Image)),
	)
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// Generate runs the generation task for an uploaded job:
//
//  1. mark processing
//  2. run inference on the stored image
//  3. persist full.mp4
//  4. render the watermarked preview.mp4
//  5. mirror artifacts to object storage (best-effort)
//  6. mark preview_ready with both paths in one write
//  7. notify the uploader (best-effort)
//
// Any failure in steps 2 to 4 marks the job failed before returning.
func (s *Service) Generate(ctx context.Context, id string) error {
	job, err := s.repo.Update(ctx, id, func(j *Job) error {
		if err := j.Start(); err != nil {
			return err
		}
		j.Backend = string(s.inference.Kind())
		return nil
	})
	if err != nil {
		return fmt.Errorf("start job %s: %w", id, err)
	}

	logger := s.logger.With(slog.String("job_id", id))
	logger.Info("generation started", slog.String("preset", job.Preset))

	fullPath, err := s.render(ctx, job)
	if err != nil {
		return s.failAndReturn(ctx, id, err)
	}

	previewPath := filepath.Join(s.storage.JobDir(id), storage.PreviewVideoName)
	watermarked, err := s.watermarker.Apply(ctx, fullPath, previewPath)
	if err != nil {
		return s.failAndReturn(ctx, id, err)
	}

	keys := s.mirror(ctx, job, fullPath, previewPath)

	job, err = s.repo.Update(ctx, id, func(j *Job) error {
		if err := j.MarkPreviewReady(fullPath, previewPath, watermarked); err != nil {
			return err
		}
		j.S3ImageKey = keys.image
		j.S3FullKey = keys.full
		j.S3PreviewKey = keys.preview
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}

	logger.Info("preview ready", slog.Bool("watermarked", watermarked))

	if s.notifier != nil && job.Email != "" {
		if err := s.notifier.PreviewReady(ctx, job.Email, job.ID); err != nil {
			logger.Warn("preview notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// render runs inference and writes the full video.
func (s *Service) render(ctx context.Context, job *Job) (string, error) {
	p, err := s.presets.Lookup(job.Preset)
	if err != nil {
		return "", err
	}

	f, err := s.storage.Open(ctx, job.OriginalImagePath)
	if err != nil {
		return "", fmt.Errorf("load upload: %w", err)
	}
	image, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return "", fmt.Errorf("load upload: %w", err)
	}

	video, err := s.inference.Run(ctx, inference.Request{Image: image, Preset: p})
	if err != nil {
		return "", err
	}

	path, err := s.storage.SaveArtifact(ctx, job.ID, storage.FullVideoName, bytes.NewReader(video))
	if err != nil {
		return "", fmt.Errorf("save video: %w", err)
	}
	return path, nil
}

type mirrorKeys struct {
	image, full, preview string
}

// mirror uploads the job files to object storage. Failures are logged and
// the local copies stay authoritative.
func (s *Service) mirror(ctx context.Context, job *Job, fullPath, previewPath string) mirrorKeys {
	var keys mirrorKeys
	ext := strings.TrimPrefix(filepath.Ext(job.OriginalImagePath), ".")

	uploads := []struct {
		key  string
		path string
		dst  *string
	}{
		{storage.ImageKey(job.ID, ext), job.OriginalImagePath, &keys.image},
		{storage.VideoKey(job.ID, storage.FullVideoName), fullPath, &keys.full},
		{storage.VideoKey(job.ID, storage.PreviewVideoName), previewPath, &keys.preview},
	}
	for _, u := range uploads {
		if _, err := s.storage.UploadObject(ctx, u.key, u.path); err != nil {
			if errors.Is(err, storage.ErrS3NotConfigured) {
				return mirrorKeys{}
			}
			s.logger.Warn("object upload failed",
				slog.String("job_id", job.ID),
				slog.String("key", u.key),
				slog.String("error", err.Error()),
			)
			continue
		}
		*u.dst = u.key
	}
	return keys
}

func (s *Service) failAndReturn(ctx context.Context, id string, cause error) error {
	if err := s.FailJob(ctx, id, cause.Error()); err != nil {
		s.logger.Error("could not record job failure",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// FailJob marks the job failed. A job that already failed is left as is.
// The write survives cancellation of ctx.
func (s *Service) FailJob(ctx context.Context, id, msg string) error {
	ctx = context.WithoutCancel(ctx)
	_, err := s.repo.Update(ctx, id, func(j *Job) error {
		if j.Status == StatusFailed {
			return errAlreadyFailed
		}
		return j.Fail(msg)
	})
	if errors.Is(err, errAlreadyFailed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("job failed", slog.String("job_id", id), slog.String("error", msg))
	return nil
}

var errAlreadyFailed = errors.New("job already failed")

// HandleTaskFailure records a failed generation task. Tasks that lost a
// race for the job, such as a duplicate submit, leave it untouched.
func (s *Service) HandleTaskFailure(ctx context.Context, id string, cause error) {
	if errors.Is(cause, ErrInvalidTransition) || errors.Is(cause, ErrJobNotFound) {
		s.logger.Warn("generation task skipped",
			slog.String("job_id", id),
			slog.String("error", cause.Error()),
		)
		return
	}
	if err := s.FailJob(ctx, id, cause.Error()); err != nil {
		s.logger.Error("failed to record task failure",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// InterruptedMessage is the error recorded on jobs cut off by a restart.
const InterruptedMessage = "interrupted by restart"

// RecoverInterrupted reconciles jobs left mid-flight by a previous process.
// Processing jobs are failed. Uploaded jobs are handed to resubmit, and
// failed when it refuses them. It returns the number of jobs touched.
func (s *Service) RecoverInterrupted(ctx context.Context, resubmit func(id string) error) (int, error) {
	stale, err := s.repo.ListByStatus(ctx, StatusProcessing, StatusUploaded)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}

	n := 0
	for _, job := range stale {
		if job.Status == StatusUploaded && resubmit != nil {
			err := resubmit(job.ID)
			if err == nil {
				s.logger.Info("job resubmitted", slog.String("job_id", job.ID))
				n++
				continue
			}
			s.logger.Warn("resubmit failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		if err := s.FailJob(ctx, job.ID, InterruptedMessage); err != nil {
			return n, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		n++
	}
	return n, nil
}

// AttachCheckoutSession records the checkout session of a preview_ready job.
func (s *Service) AttachCheckoutSession(ctx context.Context, id, sessionID string) (*Job, error) {
	return s.repo.Update(ctx, id, func(j *Job) error {
		return j.AttachCheckout(sessionID)
	})
}

// FindByCheckoutSession retrieves the job that owns a checkout session.
func (s *Service) FindByCheckoutSession(ctx context.Context, sessionID string) (*Job, error) {
	return s.repo.FindByCheckoutSession(ctx, sessionID)
}

// MarkPaid confirms payment for a job. Confirming twice is a no-op and
// reports changed=false.
func (s *Service) MarkPaid(ctx context.Context, id, paymentRef string) (*Job, bool, error) {
	var changed bool
	job, err := s.repo.Update(ctx, id, func(j *Job) error {
		c, err := j.MarkPaid(paymentRef, s.now())
		if err != nil {
			return err
		}
		if !c {
			return errUnchanged
		}
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		job, err = s.repo.FindByID(ctx, id)
		return job, false, err
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("job paid", slog.String("job_id", id))
	return job, changed, nil
}

var errUnchanged = errors.New("job unchanged")

// OpenPreview opens the watermarked preview of a preview_ready or paid job.
func (s *Service) OpenPreview(ctx context.Context, id string) (*Job, *Artifact, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !job.HasVideos() {
		return job, nil, ErrNotReady
	}
	a, err := s.openArtifact(ctx, job.PreviewVideoPath, job.S3PreviewKey)
	if err != nil {
		return job, nil, err
	}
	a.Name = "smileloop-preview-" + job.ID[:8] + ".mp4"
	return job, a, nil
}

// OpenFull opens the full video of a paid job without counting a download.
func (s *Service) OpenFull(ctx context.Context, id string) (*Job, *Artifact, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != StatusPaid {
		return job, nil, ErrNotPaid
	}
	a, err := s.openArtifact(ctx, job.FullVideoPath, job.S3FullKey)
	if err != nil {
		return job, nil, err
	}
	a.Name = "smileloop-" + job.ID[:8] + ".mp4"
	return job, a, nil
}

// OpenDownload opens the full video of a paid job and counts the download.
// Rejected or failed attempts are not counted.
func (s *Service) OpenDownload(ctx context.Context, id string) (*Job, *Artifact, error) {
	job, a, err := s.OpenFull(ctx, id)
	if err != nil {
		return job, nil, err
	}

	job, err = s.repo.Update(ctx, id, func(j *Job) error {
		return j.RecordDownload()
	})
	if err != nil {
		_ = a.Body.Close()
		return nil, nil, err
	}
	return job, a, nil
}

// openArtifact opens the local file, falling back to the object mirror.
func (s *Service) openArtifact(ctx context.Context, path, key string) (*Artifact, error) {
	f, err := s.storage.Open(ctx, path)
	if err == nil {
		info := &Artifact{Size: f.Size(), Content: f, Body: f}
		if st, ok := f.(interface{ Stat() (os.FileInfo, error) }); ok {
			if fi, serr := st.Stat(); serr == nil {
				info.ModTime = fi.ModTime()
			}
		}
		return info, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if key == "" {
		return nil, ErrArtifactMissing
	}

	body, ferr := s.storage.FetchObject(ctx, key)
	if ferr != nil {
		s.logger.Warn("object fetch failed", slog.String("key", key), slog.String("error", ferr.Error()))
		return nil, ErrArtifactMissing
	}
	return &Artifact{Size: -1, Body: body}, nil
}
