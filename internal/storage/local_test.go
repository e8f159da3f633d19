package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates jobs directory if not exists", func(t *testing.T) {
		dataDir := filepath.Join(t.TempDir(), "data")

		storage, err := NewLocalStorage(dataDir)
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if storage.Root() != dataDir {
			t.Errorf("Root() = %v, want %v", storage.Root(), dataDir)
		}

		info, err := os.Stat(filepath.Join(dataDir, "jobs"))
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		storage, err := NewLocalStorage("")
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "smileloop")
		if storage.Root() != expected {
			t.Errorf("Root() = %v, want %v", storage.Root(), expected)
		}
	})
}

func TestLocalStorage_SaveArtifact(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("saves data under the job directory", func(t *testing.T) {
		path, err := storage.SaveArtifact(ctx, "job1", FullVideoName, bytes.NewReader([]byte("video")))
		if err != nil {
			t.Fatalf("SaveArtifact() error = %v", err)
		}

		want := filepath.Join(storage.JobDir("job1"), FullVideoName)
		if path != want {
			t.Errorf("path = %s, want %s", path, want)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "video" {
			t.Errorf("got %q, want %q", string(content), "video")
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		if _, err := storage.SaveArtifact(ctx, "job2", "a.bin", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("SaveArtifact() error = %v", err)
		}
		entries, err := os.ReadDir(storage.JobDir("job2"))
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 1 || entries[0].Name() != "a.bin" {
			t.Errorf("unexpected directory contents: %v", entries)
		}
	})

	t.Run("rejects names escaping the job directory", func(t *testing.T) {
		for _, tc := range []struct{ jobID, name string }{
			{"../evil", "x"},
			{"job", "../x"},
			{"job", ""},
			{"", "x"},
			{"..", "x"},
		} {
			_, err := storage.SaveArtifact(ctx, tc.jobID, tc.name, bytes.NewReader(nil))
			if !errors.Is(err, ErrInvalidName) {
				t.Errorf("SaveArtifact(%q, %q) error = %v, want ErrInvalidName", tc.jobID, tc.name, err)
			}
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := storage.SaveArtifact(ctx, "job3", "x", bytes.NewReader(nil))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_Open(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	path, err := storage.SaveArtifact(ctx, "job1", PreviewVideoName, bytes.NewReader([]byte("preview data")))
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}

	f, err := storage.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Size() != int64(len("preview data")) {
		t.Errorf("Size() = %d", f.Size())
	}
	content, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(content) != "preview data" {
		t.Errorf("got %q", string(content))
	}

	if _, err := storage.Open(ctx, filepath.Join(storage.JobDir("job1"), "missing.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalStorage_RemoveJob(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.SaveArtifact(ctx, "job1", FullVideoName, bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}

	if err := storage.RemoveJob(ctx, "job1"); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if _, err := os.Stat(storage.JobDir("job1")); !os.IsNotExist(err) {
		t.Errorf("expected job directory to be removed, stat err = %v", err)
	}

	// Missing directories are fine.
	if err := storage.RemoveJob(ctx, "job1"); err != nil {
		t.Errorf("RemoveJob() on missing dir error = %v", err)
	}
	if err := storage.RemoveJob(ctx, "../"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestLocalStorage_ObjectOperations(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.UploadObject(ctx, "key", "/tmp/x"); !errors.Is(err, ErrS3NotConfigured) {
		t.Errorf("UploadObject() error = %v, want ErrS3NotConfigured", err)
	}
	if _, err := storage.FetchObject(ctx, "key"); !errors.Is(err, ErrS3NotConfigured) {
		t.Errorf("FetchObject() error = %v, want ErrS3NotConfigured", err)
	}
	if err := storage.DeleteObjects(ctx, []string{"key"}); !errors.Is(err, ErrS3NotConfigured) {
		t.Errorf("DeleteObjects() error = %v, want ErrS3NotConfigured", err)
	}
}

func TestKeys(t *testing.T) {
	if got := ImageKey("abc", "png"); got != "uploads/abc/original.png" {
		t.Errorf("ImageKey() = %s", got)
	}
	if got := VideoKey("abc", FullVideoName); got != "videos/abc/full.mp4" {
		t.Errorf("VideoKey() = %s", got)
	}
}

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}
