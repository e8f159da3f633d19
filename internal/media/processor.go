// Package media provides the video post-processing steps: the preview
// watermark and duration probing. Both shell out to the ffmpeg tools.
package media

import (
	"context"
	"time"
)

// Watermarker produces the preview video shown before payment.
type Watermarker interface {
	// Apply writes a watermarked copy of src to dst. It reports whether the
	// watermark was actually drawn; under the copy fallback policy a failed
	// overlay yields a byte-identical copy and watermarked=false.
	Apply(ctx context.Context, src, dst string) (watermarked bool, err error)
}

// Prober reads media metadata.
type Prober interface {
	// ProbeDuration returns the playing time of a media file.
	ProbeDuration(ctx context.Context, path string) (time.Duration, error)
}
