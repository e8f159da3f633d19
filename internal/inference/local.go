package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/smileloop-api/internal/media"
)

var (
	// ErrNoResult is returned when the subprocess exits cleanly without a video.
	ErrNoResult = errors.New("inference: no result video produced")
	// ErrLocalTimeout is returned when the subprocess exceeds its wall clock.
	ErrLocalTimeout = errors.New("inference: local run timed out")
)

// LocalConfig configures the LivePortrait subprocess.
type LocalConfig struct {
	// Root is the LivePortrait checkout; the script runs with it as working directory.
	Root string
	// Python is the interpreter binary.
	Python string
	// Script is the entry point relative to Root. Defaults to inference.py.
	Script string
	// WorkDir holds per-run scratch directories. Defaults to os.TempDir().
	WorkDir string
	// BaseTimeout plus PerClipSecond times the preset length bounds a run.
	BaseTimeout   time.Duration
	PerClipSecond time.Duration
	// FallbackTimeout is used when the preset length cannot be measured.
	FallbackTimeout time.Duration
}

// LocalBackend runs LivePortrait as a subprocess. Runs are serialised
// through a single GPU slot shared by every caller of the backend.
type LocalBackend struct {
	cfg    LocalConfig
	prober media.Prober
	gpu    chan struct{}
	logger *slog.Logger
}

// NewLocalBackend creates a local backend. prober may be nil, in which case
// every run uses cfg.FallbackTimeout.
func NewLocalBackend(cfg LocalConfig, prober media.Prober, logger *slog.Logger) *LocalBackend {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "inference.py"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 2 * time.Minute
	}
	if cfg.PerClipSecond <= 0 {
		cfg.PerClipSecond = 20 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		cfg:    cfg,
		prober: prober,
		gpu:    make(chan struct{}, 1),
		logger: logger,
	}
}

// Kind returns KindLocal.
func (b *LocalBackend) Kind() Kind { return KindLocal }

// Animate waits for the GPU slot, runs the script and returns the result video.
func (b *LocalBackend) Animate(ctx context.Context, req Request) ([]byte, error) {
	select {
	case b.gpu <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("inference: waiting for GPU: %w", ctx.Err())
	}
	defer func() { <-b.gpu }()

	if err := os.MkdirAll(b.cfg.WorkDir, 0750); err != nil {
		return nil, fmt.Errorf("inference: create work dir: %w", err)
	}
	runDir, err := os.MkdirTemp(b.cfg.WorkDir, "liveportrait-*")
	if err != nil {
		return nil, fmt.Errorf("inference: create run dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(runDir) }()

	src := filepath.Join(runDir, "source"+mimetype.Detect(req.Image).Extension())
	if err := os.WriteFile(src, req.Image, 0600); err != nil {
		return nil, fmt.Errorf("inference: write source image: %w", err)
	}
	outDir := filepath.Join(runDir, "out")
	if err := os.Mkdir(outDir, 0750); err != nil {
		return nil, fmt.Errorf("inference: create output dir: %w", err)
	}

	timeout := b.timeoutFor(ctx, req.Preset.Path)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		b.cfg.Script,
		"-s", src,
		"-d", req.Preset.Path,
		"-o", outDir,
		"--flag_crop_driving_video",
	}
	// #nosec G204 - interpreter and script are set by the application
	cmd := exec.CommandContext(runCtx, b.cfg.Python, args...)
	cmd.Dir = b.cfg.Root
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	b.logger.Info("starting local inference",
		slog.String("preset", req.Preset.Name),
		slog.Duration("timeout", timeout),
	)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("inference: cancelled: %w", ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrLocalTimeout, timeout)
		}
		return nil, &ProcessError{Args: args, Stderr: tail(stderr.String()), Err: err}
	}

	result, err := findResult(outDir)
	if err != nil {
		return nil, err
	}
	video, err := os.ReadFile(result) // #nosec G304 - path is inside our run dir
	if err != nil {
		return nil, fmt.Errorf("inference: read result: %w", err)
	}
	return video, nil
}

// timeoutFor derives the wall clock from the driving clip length.
func (b *LocalBackend) timeoutFor(ctx context.Context, clip string) time.Duration {
	if b.prober == nil || clip == "" {
		return b.cfg.FallbackTimeout
	}
	d, err := b.prober.ProbeDuration(ctx, clip)
	if err != nil || d <= 0 {
		b.logger.Warn("could not measure preset duration, using fallback timeout",
			slog.String("clip", clip),
			slog.Any("error", err),
		)
		return b.cfg.FallbackTimeout
	}
	return b.cfg.BaseTimeout + time.Duration(d.Seconds()*float64(b.cfg.PerClipSecond))
}

// findResult returns the first mp4 in dir, skipping the side-by-side
// "_concat" renders.
func findResult(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	if err != nil {
		return "", fmt.Errorf("inference: list results: %w", err)
	}
	sort.Strings(matches)
	for _, m := range matches {
		stem := strings.TrimSuffix(filepath.Base(m), filepath.Ext(m))
		if !strings.Contains(stem, "_concat") {
			return m, nil
		}
	}
	return "", ErrNoResult
}

// tail keeps the end of the subprocess output, where Python tracebacks land.
func tail(s string) string {
	const max = 2000
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}

// ProcessError represents a failed inference subprocess, including its stderr.
type ProcessError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("inference process error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Compile-time check that LocalBackend implements Backend.
var _ Backend = (*LocalBackend)(nil)
