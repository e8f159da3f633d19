package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
	// ErrInvalidName is returned for job IDs or artifact names that would
	// escape the job directory.
	ErrInvalidName = errors.New("storage: invalid artifact name")
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Every job gets its own directory under <root>/jobs. It does not
// support S3 operations unless wrapped with S3Storage.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage instance rooted at dataDir.
// If dataDir is empty, a directory under os.TempDir() is used.
// The jobs directory is created if it doesn't exist.
func NewLocalStorage(dataDir string) (*LocalStorage, error) {
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "smileloop")
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "jobs"), 0750); err != nil {
		return nil, fmt.Errorf("create jobs directory: %w", err)
	}

	return &LocalStorage{root: dataDir}, nil
}

// Root returns the data directory path.
func (s *LocalStorage) Root() string {
	return s.root
}

// JobDir returns <root>/jobs/<jobID>.
func (s *LocalStorage) JobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", jobID)
}

// SaveArtifact writes data to a temporary file in the job directory and
// renames it into place.
func (s *LocalStorage) SaveArtifact(ctx context.Context, jobID, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if !safeName(jobID) || !safeName(name) {
		return "", ErrInvalidName
	}

	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	tmpName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("move artifact into place: %w", err)
	}

	return path, nil
}

// Open opens a stored artifact for reading.
func (s *LocalStorage) Open(ctx context.Context, path string) (File, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path comes from the job record
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &localFile{File: f, size: info.Size()}, nil
}

// RemoveJob deletes the job directory and everything in it.
func (s *LocalStorage) RemoveJob(ctx context.Context, jobID string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if !safeName(jobID) {
		return ErrInvalidName
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job directory %s: %w", jobID, err)
	}
	return nil
}

// UploadObject is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) UploadObject(_ context.Context, _, _ string) (string, error) {
	return "", ErrS3NotConfigured
}

// FetchObject is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) FetchObject(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, ErrS3NotConfigured
}

// DeleteObjects is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) DeleteObjects(_ context.Context, _ []string) error {
	return ErrS3NotConfigured
}

type localFile struct {
	*os.File
	size int64
}

func (f *localFile) Size() int64 { return f.size }

// safeName rejects empty names, path separators and dot segments.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
