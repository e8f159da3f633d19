// Package storage provides per-job artifact storage on local disk and an
// optional S3 mirror. It defines the Storage interface (port) for hexagonal
// architecture and implementations for local disk and S3 storage.
package storage

import (
	"context"
	"fmt"
	"io"
)

// Artifact file names inside a job directory.
const (
	FullVideoName    = "full.mp4"
	PreviewVideoName = "preview.mp4"
	originalPrefix   = "original"
)

// Storage defines the interface for job artifact storage.
// Local files are authoritative; object storage is a best-effort mirror.
type Storage interface {
	// JobDir returns the directory holding every artifact of a job.
	JobDir(jobID string) string

	// SaveArtifact writes data to <JobDir>/<name> and returns the file path.
	// The file appears atomically once fully written.
	SaveArtifact(ctx context.Context, jobID, name string, data io.Reader) (path string, err error)

	// Open reads a stored artifact. The caller must close the returned file.
	Open(ctx context.Context, path string) (File, error)

	// RemoveJob deletes the job directory. Missing files are not an error.
	RemoveJob(ctx context.Context, jobID string) error

	// UploadObject copies a local file to object storage and returns its URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadObject(ctx context.Context, key, path string) (url string, err error)

	// FetchObject streams an object from object storage.
	// Returns ErrS3NotConfigured if S3 is not configured.
	FetchObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObjects removes objects from object storage.
	// Returns ErrS3NotConfigured if S3 is not configured.
	DeleteObjects(ctx context.Context, keys []string) error
}

// File is a readable, seekable artifact with a known size.
type File interface {
	io.ReadSeekCloser
	Size() int64
}

// OriginalImageName returns the artifact name for an uploaded image.
func OriginalImageName(ext string) string {
	return originalPrefix + "." + ext
}

// ImageKey returns the object key for a job's uploaded image.
func ImageKey(jobID, ext string) string {
	return fmt.Sprintf("uploads/%s/%s", jobID, OriginalImageName(ext))
}

// VideoKey returns the object key for one of a job's videos.
func VideoKey(jobID, name string) string {
	return fmt.Sprintf("videos/%s/%s", jobID, name)
}
