package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newSQLiteRepository(t *testing.T) *SQLRepository {
	t.Helper()
	dsn := SQLiteDSN(filepath.Join(t.TempDir(), "smileloop.db"))
	repo, err := OpenSQLRepository(context.Background(), DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestOpenSQLRepository_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLRepository(context.Background(), "mysql", "dsn")
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLRepository_RoundTrip(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	paidAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	job := New("ana@example.com", "smile")
	job.Status = StatusPaid
	job.Backend = "runpod"
	job.OriginalImagePath = "/data/jobs/x/original.jpg"
	job.FullVideoPath = "/data/jobs/x/full.mp4"
	job.PreviewVideoPath = "/data/jobs/x/preview.mp4"
	job.PreviewWatermarked = true
	job.S3FullKey = "videos/x/full.mp4"
	job.StripeSessionID = "cs_1"
	job.StripePaymentIntent = "pi_1"
	job.DownloadCount = 3
	job.ClientIP = "203.0.113.9"
	job.UserAgent = "curl/8"
	job.PaidAt = &paidAt

	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if got.Email != job.Email || got.Preset != job.Preset || got.Status != job.Status {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.FullVideoPath != job.FullVideoPath || got.PreviewVideoPath != job.PreviewVideoPath {
		t.Errorf("paths mismatch: %s %s", got.FullVideoPath, got.PreviewVideoPath)
	}
	if !got.PreviewWatermarked {
		t.Error("expected PreviewWatermarked")
	}
	if got.S3FullKey != job.S3FullKey || got.StripeSessionID != "cs_1" || got.StripePaymentIntent != "pi_1" {
		t.Errorf("references mismatch: %+v", got)
	}
	if got.DownloadCount != 3 || got.ClientIP != job.ClientIP || got.UserAgent != job.UserAgent {
		t.Errorf("bookkeeping mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt.Truncate(time.Millisecond)) {
		t.Errorf("CreatedAt mismatch: %v vs %v", got.CreatedAt, job.CreatedAt)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Errorf("PaidAt mismatch: %v", got.PaidAt)
	}
}

func TestSQLRepository_Create_Duplicate(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	job := New("", "smile")

	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, job); !errors.Is(err, ErrJobExists) {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
}

func TestSQLRepository_FindByID_NotFound(t *testing.T) {
	repo := newSQLiteRepository(t)

	if _, err := repo.FindByID(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLRepository_Update(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	job := New("", "smile")
	_ = repo.Create(ctx, job)

	updated, err := repo.Update(ctx, job.ID, func(j *Job) error {
		if err := j.Start(); err != nil {
			return err
		}
		return j.MarkPreviewReady("/full.mp4", "/preview.mp4", false)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusPreviewReady {
		t.Errorf("expected %s, got %s", StatusPreviewReady, updated.Status)
	}

	stored, _ := repo.FindByID(ctx, job.ID)
	if stored.Status != StatusPreviewReady || stored.PreviewVideoPath != "/preview.mp4" {
		t.Errorf("update not persisted: %+v", stored)
	}
}

func TestSQLRepository_Update_ErrorRollsBack(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	job := New("", "smile")
	_ = repo.Create(ctx, job)

	_, err := repo.Update(ctx, job.ID, func(j *Job) error {
		j.Email = "changed@example.com"
		return j.MarkPreviewReady("/full.mp4", "/preview.mp4", true)
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	stored, _ := repo.FindByID(ctx, job.ID)
	if stored.Email != "" || stored.Status != StatusUploaded {
		t.Errorf("rejected update was persisted: %+v", stored)
	}
}

func TestSQLRepository_Update_NotFound(t *testing.T) {
	repo := newSQLiteRepository(t)

	_, err := repo.Update(context.Background(), "missing", func(*Job) error { return nil })
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLRepository_Update_Concurrent(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	job := New("", "smile")
	job.Status = StatusPaid
	_ = repo.Create(ctx, job)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Update(ctx, job.ID, func(j *Job) error {
				return j.RecordDownload()
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _ := repo.FindByID(ctx, job.ID)
	if stored.DownloadCount != 20 {
		t.Errorf("expected 20 downloads, got %d", stored.DownloadCount)
	}
}

func TestSQLRepository_FindByCheckoutSession(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	job := New("", "smile")
	job.StripeSessionID = "cs_42"
	_ = repo.Create(ctx, job)
	_ = repo.Create(ctx, New("", "smile"))

	got, err := repo.FindByCheckoutSession(ctx, "cs_42")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("expected %s, got %s", job.ID, got.ID)
	}
	if _, err := repo.FindByCheckoutSession(ctx, ""); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound for empty session, got %v", err)
	}
}

func TestSQLRepository_ListCreatedBefore_And_Delete(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{3 * time.Hour, 30 * time.Minute, 5 * time.Hour} {
		j := NewWithID(string(rune('a'+i)), "", "smile")
		j.CreatedAt = base.Add(-age)
		j.UpdatedAt = j.CreatedAt
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	old, err := repo.ListCreatedBefore(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 2 || old[0].ID != "c" || old[1].ID != "a" {
		t.Fatalf("expected [c a], got %d jobs", len(old))
	}

	if err := repo.Delete(ctx, "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, "c"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestSQLRepository_ListByStatus(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := []Status{StatusProcessing, StatusPaid, StatusUploaded, StatusFailed}
	for i, status := range statuses {
		j := NewWithID(string(rune('a'+i)), "", "smile")
		j.Status = status
		j.CreatedAt = base.Add(-time.Duration(i) * time.Hour)
		j.UpdatedAt = j.CreatedAt
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := repo.ListByStatus(ctx, StatusUploaded, StatusProcessing)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("expected [c a], got %d jobs", len(got))
	}
	if got[0].Status != StatusUploaded {
		t.Errorf("expected uploaded, got %s", got[0].Status)
	}
}

func TestSQLRepository_DBSharesPool(t *testing.T) {
	repo := newSQLiteRepository(t)
	var n int
	if err := repo.DB().GetContext(context.Background(), &n, `SELECT COUNT(*) FROM jobs`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty table, got %d", n)
	}
}
