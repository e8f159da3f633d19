// Package retention purges jobs older than a fixed age, together with their
// files and mirrored objects.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/smileloop-api/internal/job"
	"github.com/maauso/smileloop-api/internal/storage"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultInterval = time.Hour
)

// Config controls the sweeper.
type Config struct {
	// TTL is the age after which a job is purged, paid or not.
	TTL time.Duration
	// Interval is the time between sweeps.
	Interval time.Duration
}

// Sweeper deletes expired jobs.
type Sweeper struct {
	repo     job.Repository
	storage  storage.Storage
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo job.Repository, store storage.Storage, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		storage:  store,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SweepOnce purges every job created before now-TTL and returns how many
// were removed. A job whose directory cannot be removed is kept so the next
// sweep retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	stale, err := s.repo.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: list stale jobs: %w", err)
	}

	removed := 0
	for _, j := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.purge(ctx, j); err != nil {
			s.logger.Warn("retention purge failed",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("retention sweep finished",
			slog.Int("removed", removed),
			slog.Int("stale", len(stale)),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}

func (s *Sweeper) purge(ctx context.Context, j *job.Job) error {
	if err := s.storage.RemoveJob(ctx, j.ID); err != nil {
		return fmt.Errorf("remove files: %w", err)
	}

	keys := []string{j.S3ImageKey, j.S3FullKey, j.S3PreviewKey}
	if err := s.storage.DeleteObjects(ctx, keys); err != nil && !errors.Is(err, storage.ErrS3NotConfigured) {
		s.logger.Warn("retention object delete failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.repo.Delete(ctx, j.ID); err != nil && !errors.Is(err, job.ErrJobNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("retention sweeper started",
		slog.Duration("ttl", s.ttl),
		slog.Duration("interval", s.interval),
	)
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}
}
