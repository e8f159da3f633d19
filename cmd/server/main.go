// Package main provides the entry point for the SmileLoop API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/smileloop-api/internal/bootstrap"
	"github.com/maauso/smileloop-api/internal/config"
	"github.com/maauso/smileloop-api/internal/server"
)

const (
	shutdownTimeout = 30 * time.Second
	// drainTimeout bounds how long in-flight generations may finish on shutdown.
	drainTimeout  = 2 * time.Minute
	pruneInterval = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting SmileLoop API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.String("backend", cfg.InferenceBackend),
		slog.Int("workers", cfg.Workers),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("stripe_enabled", cfg.StripeEnabled()),
		slog.Bool("email_enabled", cfg.EmailEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close job store", slog.String("error", err.Error()))
		}
	}()

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	handlers := server.NewHandlers(deps.Jobs, deps.Queue, deps.Payments, deps.Presets, logger,
		server.WithLimiter(deps.Limiter),
		server.WithBotVerifier(deps.Turnstile),
		server.WithTrustedProxies(trusted),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes),
		server.WithBackendName(string(deps.Backend)),
		server.WithPublicConfig(server.PublicConfig{
			StripePublishableKey: cfg.StripePublishableKey,
			PriceCents:           cfg.StripePriceCents,
			Currency:             cfg.StripeCurrency,
			TurnstileSiteKey:     cfg.TurnstileSiteKey,
		}),
	)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute, // Full videos stream from S3 on cache misses
		IdleTimeout:       60 * time.Second,
	}

	// Workers run on a context that outlives the signal so queued jobs can drain.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	deps.Queue.Start(workCtx)

	recovered, err := deps.ResumeInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("interrupted jobs recovered", slog.Int("count", recovered))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return deps.Sweeper.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := deps.Limiter.Prune(gctx); err != nil {
					logger.Warn("rate limit prune failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		if err := deps.Queue.Stop(drainCtx); err != nil {
			// Abort in-flight tasks and let the workers record it before
			// the database closes.
			cancelWork()
			waitCtx, cancelWait := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelWait()
			if waitErr := deps.Queue.Wait(waitCtx); waitErr != nil {
				logger.Error("workers did not exit", slog.String("error", waitErr.Error()))
			}
			return fmt.Errorf("drain queue: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}
