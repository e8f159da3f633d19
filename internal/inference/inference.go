// Package inference turns a portrait and a motion preset into an animated
// video. The Dispatcher fronts exactly one Backend, chosen at start-up:
// a local LivePortrait subprocess, a Modal web endpoint or a RunPod
// serverless endpoint.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maauso/smileloop-api/internal/preset"
)

// Kind identifies an inference backend.
type Kind string

const (
	// KindLocal runs LivePortrait on the local GPU.
	KindLocal Kind = "local"
	// KindModal calls a Modal web endpoint.
	KindModal Kind = "modal"
	// KindRunPod calls a RunPod serverless endpoint.
	KindRunPod Kind = "runpod"
)

var (
	// ErrUnknownBackend is returned by ParseKind for unsupported names.
	ErrUnknownBackend = errors.New("inference: unknown backend")
	// ErrEmptyOutput is returned when a backend reports success without video bytes.
	ErrEmptyOutput = errors.New("inference: empty video returned")
	// ErrEmptyImage is returned when a request carries no image.
	ErrEmptyImage = errors.New("inference: empty image")
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLocal, KindModal, KindRunPod:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// Request is one animation run.
type Request struct {
	// Image holds the raw JPEG or PNG bytes.
	Image []byte
	// Preset is the driving-motion clip.
	Preset preset.Preset
}

// Backend runs inference on one platform.
type Backend interface {
	// Kind reports which platform the backend talks to.
	Kind() Kind
	// Animate returns the MP4 bytes for req.
	Animate(ctx context.Context, req Request) ([]byte, error)
}

// Failure is the single error type surfaced by the Dispatcher.
type Failure struct {
	Backend Kind
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("inference (%s): %v", f.Backend, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Dispatcher routes every request to the configured backend.
type Dispatcher struct {
	backend Backend
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher for backend.
func NewDispatcher(backend Backend, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{backend: backend, logger: logger}
}

// Kind returns the configured backend kind.
func (d *Dispatcher) Kind() Kind {
	return d.backend.Kind()
}

// Run performs one inference. Any error is returned as *Failure.
// Inference is never retried here.
func (d *Dispatcher) Run(ctx context.Context, req Request) ([]byte, error) {
	kind := d.backend.Kind()
	if len(req.Image) == 0 {
		return nil, &Failure{Backend: kind, Err: ErrEmptyImage}
	}

	start := time.Now()
	video, err := d.backend.Animate(ctx, req)
	elapsed := time.Since(start)

	if err == nil && len(video) == 0 {
		err = ErrEmptyOutput
	}
	if err != nil {
		d.logger.Error("inference failed",
			slog.String("backend", string(kind)),
			slog.String("preset", req.Preset.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		var f *Failure
		if errors.As(err, &f) {
			return nil, f
		}
		return nil, &Failure{Backend: kind, Err: err}
	}

	d.logger.Info("inference completed",
		slog.String("backend", string(kind)),
		slog.String("preset", req.Preset.Name),
		slog.Duration("elapsed", elapsed),
		slog.Int("bytes", len(video)),
	)
	return video, nil
}
