// Package bootstrap provides dependency initialization for the SmileLoop API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/maauso/smileloop-api/internal/config"
	"github.com/maauso/smileloop-api/internal/inference"
	"github.com/maauso/smileloop-api/internal/job"
	"github.com/maauso/smileloop-api/internal/media"
	"github.com/maauso/smileloop-api/internal/modal"
	"github.com/maauso/smileloop-api/internal/notify"
	"github.com/maauso/smileloop-api/internal/payment"
	"github.com/maauso/smileloop-api/internal/preset"
	"github.com/maauso/smileloop-api/internal/queue"
	"github.com/maauso/smileloop-api/internal/ratelimit"
	"github.com/maauso/smileloop-api/internal/retention"
	"github.com/maauso/smileloop-api/internal/runpod"
	"github.com/maauso/smileloop-api/internal/storage"
	"github.com/maauso/smileloop-api/internal/turnstile"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Repo      *job.SQLRepository
	Presets   *preset.Registry
	Jobs      *job.Service
	Queue     *queue.Queue
	Payments  *payment.Service
	Sweeper   *retention.Sweeper
	Limiter   *ratelimit.Limiter
	Turnstile *turnstile.Verifier
	Backend   inference.Kind
}

// Close releases the database connection.
func (d *Dependencies) Close() error {
	return d.Repo.Close()
}

// ResumeInterrupted reconciles jobs a previous process left unfinished.
// The queue must be started first so uploaded jobs can be resubmitted.
func (d *Dependencies) ResumeInterrupted(ctx context.Context) (int, error) {
	return d.Jobs.RecoverInterrupted(ctx, func(id string) error {
		_, err := d.Queue.Submit(id)
		return err
	})
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	presets, err := preset.NewRegistry(cfg.PresetsDir)
	if err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}
	if presets.Len() == 0 {
		logger.Warn("no presets found", slog.String("presets_dir", cfg.PresetsDir))
	}

	processor := media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithWatermarkText(cfg.WatermarkText),
		media.WithFallback(media.FallbackPolicy(cfg.WatermarkFallback)),
		media.WithLogger(logger),
	)

	backend, err := initBackend(cfg, processor, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := inference.NewDispatcher(backend, logger)

	repo, err := initRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := initNotifier(ctx, cfg, logger)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	svc := job.NewService(repo, dispatcher, presets, store, processor,
		job.WithNotifier(notifier),
		job.WithLogger(logger),
	)

	q := queue.New(svc.Generate, cfg.Workers, cfg.QueueSize,
		queue.WithLogger(logger),
		queue.WithOnFailure(svc.HandleTaskFailure),
	)

	limits, err := ratelimit.NewSQLStore(ctx, repo.DB())
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("create rate limit store: %w", err)
	}

	var gateway payment.Gateway
	if cfg.StripeEnabled() {
		gateway = payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceCents:    cfg.StripePriceCents,
			Currency:      cfg.StripeCurrency,
		})
		logger.Info("stripe checkout configured", slog.Int64("price_cents", cfg.StripePriceCents))
	} else {
		logger.Warn("stripe not configured, checkout disabled")
	}

	return &Dependencies{
		Repo:     repo,
		Presets:  presets,
		Jobs:     svc,
		Queue:    q,
		Payments: payment.NewService(gateway, svc, cfg.AppURL, logger),
		Sweeper: retention.NewSweeper(repo, store, retention.Config{
			TTL:      cfg.RetentionTTL,
			Interval: cfg.RetentionInterval,
		}, logger),
		Limiter: ratelimit.New(ratelimit.Config{
			IPLimit:     cfg.RateLimitIPHourly,
			IPWindow:    ratelimit.DefaultConfig().IPWindow,
			EmailLimit:  cfg.RateLimitEmailDaily,
			EmailWindow: ratelimit.DefaultConfig().EmailWindow,
		}, ratelimit.WithStore(limits)),
		Turnstile: turnstile.NewVerifier(cfg.TurnstileSecretKey),
		Backend:   dispatcher.Kind(),
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.DataDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 mirror configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("data_dir", cfg.DataDir),
	)
	return localStore, nil
}

// initBackend builds the configured inference backend.
func initBackend(cfg *config.Config, prober media.Prober, logger *slog.Logger) (inference.Backend, error) {
	kind, err := inference.ParseKind(cfg.InferenceBackend)
	if err != nil {
		return nil, err
	}

	switch kind {
	case inference.KindModal:
		client, err := modal.NewClient(cfg.ModalEndpointURL,
			modal.WithToken(cfg.ModalTokenID, cfg.ModalTokenSecret),
			modal.WithTimeout(cfg.InferenceTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create Modal client: %w", err)
		}
		return inference.NewModalBackend(client), nil
	case inference.KindRunPod:
		client, err := runpod.NewClient(cfg.RunPodEndpointID,
			runpod.WithAPIKey(cfg.RunPodAPIKey),
			runpod.WithTimeout(cfg.InferenceTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create RunPod client: %w", err)
		}
		return inference.NewRunPodBackend(client), nil
	default:
		return inference.NewLocalBackend(inference.LocalConfig{
			Root:            cfg.LivePortraitRoot,
			Python:          cfg.LivePortraitPython,
			WorkDir:         filepath.Join(cfg.DataDir, "tmp"),
			BaseTimeout:     cfg.LocalTimeoutBase,
			PerClipSecond:   cfg.LocalTimeoutPerClipSecond,
			FallbackTimeout: cfg.InferenceTimeout,
		}, prober, logger), nil
	}
}

// initRepository opens the job database. SQLite defaults to a file in the
// data directory.
func initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*job.SQLRepository, error) {
	dsn := cfg.DatabaseDSN
	if dsn == "" {
		if cfg.DatabaseDriver != job.DriverSQLite {
			return nil, errors.New("DATABASE_DSN is required for postgres")
		}
		dsn = job.SQLiteDSN(filepath.Join(cfg.DataDir, "smileloop.db"))
	}

	repo, err := job.OpenSQLRepository(ctx, cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	logger.Info("job store ready", slog.String("driver", cfg.DatabaseDriver))
	return repo, nil
}

// initNotifier builds the SES notifier, or a no-op when email is disabled.
func initNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Notifier, error) {
	if !cfg.EmailEnabled() {
		return notify.Nop{}, nil
	}
	n, err := notify.NewSESNotifier(ctx, notify.SESConfig{
		Region:          cfg.SESRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		FromAddress:     cfg.EmailFromAddress,
		FromName:        cfg.EmailFromName,
		AppURL:          cfg.AppURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create SES notifier: %w", err)
	}
	logger.Info("preview emails enabled", slog.String("from", cfg.EmailFromAddress))
	return n, nil
}
