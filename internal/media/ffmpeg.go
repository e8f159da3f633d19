package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Static errors for media operations.
var (
	// ErrWatermarkFailed is returned when the overlay fails under the fail policy.
	ErrWatermarkFailed = errors.New("watermark failed")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrEmptyOutput is returned when ffmpeg exits cleanly but writes nothing.
	ErrEmptyOutput = errors.New("ffmpeg produced no output")
)

// FallbackPolicy decides what happens when the watermark cannot be drawn.
type FallbackPolicy string

const (
	// FallbackCopy serves an unwatermarked copy of the full video as the preview.
	FallbackCopy FallbackPolicy = "copy"
	// FallbackFail fails the job instead.
	FallbackFail FallbackPolicy = "fail"
)

const (
	defaultWatermarkText    = "SmileLoop Preview"
	defaultWatermarkTimeout = 120 * time.Second

	// waitDelay bounds how long a killed tool may keep its pipes open.
	waitDelay = 5 * time.Second
)

// Compile-time checks that FFmpegProcessor implements the media ports.
var (
	_ Watermarker = (*FFmpegProcessor)(nil)
	_ Prober      = (*FFmpegProcessor)(nil)
)

// FFmpegProcessor implements Watermarker and Prober using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	text        string
	timeout     time.Duration
	fallback    FallbackPolicy
	logger      *slog.Logger
}

// Option configures an FFmpegProcessor.
type Option func(*FFmpegProcessor)

// WithFFprobePath sets the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithWatermarkText sets the overlay text.
func WithWatermarkText(text string) Option {
	return func(p *FFmpegProcessor) {
		if text != "" {
			p.text = text
		}
	}
}

// WithWatermarkTimeout bounds a single watermark run.
func WithWatermarkTimeout(d time.Duration) Option {
	return func(p *FFmpegProcessor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFallback sets the policy applied when the overlay fails.
func WithFallback(policy FallbackPolicy) Option {
	return func(p *FFmpegProcessor) {
		if policy != "" {
			p.fallback = policy
		}
	}
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *FFmpegProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...Option) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		text:        defaultWatermarkText,
		timeout:     defaultWatermarkTimeout,
		fallback:    FallbackCopy,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply draws the semi-transparent preview text over src and writes dst.
// Audio is copied untouched.
func (p *FFmpegProcessor) Apply(ctx context.Context, src, dst string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-y",      // Overwrite output file without asking
		"-i", src, // Input file
		"-vf", p.drawtextFilter(),
		"-codec:a", "copy",
		"-preset", "fast",
		dst,
	}

	err := p.runFFmpeg(runCtx, args)
	if err == nil {
		err = checkOutput(dst)
	}
	if err == nil {
		return true, nil
	}

	// Caller cancellation is not a watermark failure.
	if ctx.Err() != nil {
		return false, fmt.Errorf("watermark cancelled: %w", ctx.Err())
	}

	if p.fallback == FallbackFail {
		return false, fmt.Errorf("%w: %w", ErrWatermarkFailed, err)
	}

	p.logger.Warn("watermark failed, serving unwatermarked preview",
		slog.String("src", src),
		slog.String("error", err.Error()),
	)
	if cerr := copyFile(src, dst); cerr != nil {
		return false, fmt.Errorf("%w: fallback copy: %w", ErrWatermarkFailed, cerr)
	}
	return false, nil
}

// drawtextFilter returns the centered overlay filter.
func (p *FFmpegProcessor) drawtextFilter() string {
	// Quotes cannot be escaped inside a quoted filter argument.
	text := strings.ReplaceAll(p.text, "'", "")
	return "drawtext=text='" + text + "'" +
		":expansion=none" +
		":fontsize=28" +
		":fontcolor=white@0.35" +
		":x=(w-text_w)/2:y=(h-text_h)/2" +
		":shadowcolor=black@0.2:shadowx=1:shadowy=1"
}

// ProbeDuration returns the duration of a media file.
// It uses ffprobe to extract the duration metadata.
func (p *FFmpegProcessor) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmptyOutput, err)
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}
	return nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("write destination file: %w", err)
	}
	return out.Close()
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
