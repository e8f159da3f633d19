package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/smileloop-api/internal/job"
	"github.com/maauso/smileloop-api/internal/storage"
)

var now = time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *job.MemoryRepository
	store   *storage.LocalStorage
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := job.NewMemoryRepository()
	s := NewSweeper(repo, store, Config{TTL: 24 * time.Hour, Interval: time.Hour}, nil)
	s.now = func() time.Time { return now }
	return &fixture{repo: repo, store: store, sweeper: s}
}

func (f *fixture) addJob(t *testing.T, age time.Duration, status job.Status) *job.Job {
	t.Helper()
	j := job.New("ana@example.com", "smile")
	j.CreatedAt = now.Add(-age)
	j.Status = status
	_, err := f.store.SaveArtifact(context.Background(), j.ID, "original.jpg", strings.NewReader("img"))
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(context.Background(), j))
	return j
}

func TestSweeper_SweepOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stalePaid := f.addJob(t, 30*time.Hour, job.StatusPaid)
	staleFailed := f.addJob(t, 25*time.Hour, job.StatusFailed)
	fresh := f.addJob(t, 2*time.Hour, job.StatusPreviewReady)

	n, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, j := range []*job.Job{stalePaid, staleFailed} {
		_, err := f.repo.FindByID(ctx, j.ID)
		assert.ErrorIs(t, err, job.ErrJobNotFound)
		_, err = os.Stat(f.store.JobDir(j.ID))
		assert.True(t, os.IsNotExist(err), "job dir should be gone")
	}

	_, err = f.repo.FindByID(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.store.JobDir(fresh.ID), "original.jpg"))
	assert.NoError(t, err)
}

func TestSweeper_MissingFilesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.addJob(t, 48*time.Hour, job.StatusUploaded)
	require.NoError(t, os.RemoveAll(f.store.JobDir(j.ID)))

	n, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeper_NothingStale(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, time.Hour, job.StatusUploaded)

	n, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_RunSweepsImmediately(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t, 48*time.Hour, job.StatusPaid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := f.repo.FindByID(context.Background(), j.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(job.NewMemoryRepository(), nil, Config{}, nil)
	assert.Equal(t, DefaultTTL, s.ttl)
	assert.Equal(t, DefaultInterval, s.interval)
}
