package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/episode_downloader/internal/cleanup"
	"github.com/italolelis/episode_downloader/internal/config"
	"github.com/italolelis/episode_downloader/internal/downloader"
	"github.com/italolelis/episode_downloader/internal/http/rest"
	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/notifier"
	"github.com/italolelis/episode_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewContextHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("episode downloader starting...",
		"log_level", cfg.LogLevel,
		"max_downloads", cfg.ConcurrencyLimit(),
	)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Downloader
	manager := downloader.NewManager(ctx, cfg.DownloadDir, cfg.ConcurrencyLimit(),
		downloader.WithTelemetry(tel),
	)

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	notif := notifier.New(cfg.DiscordWebhookURL)

	g.Go(func() error {
		watchDownloaded(ctx, manager, notif)

		return nil
	})

	g.Go(func() error {
		watchFailed(ctx, manager, notif)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, manager, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(ctx, manager, cfg)

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"partial_retention", cfg.PartialRetention.String(),
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		manager.Close()

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(
		telemetry.RequestID,
		telemetry.HTTPLogging,
		telemetry.NewHTTPMiddleware(tel).Middleware,
	)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(manager).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func watchDownloaded(ctx context.Context, manager *downloader.Manager, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for ep := range manager.OnEpisodeDownloaded {
		logger.Info("episode download finished", "download_id", uint64(ep.ID), "episode", ep.Title)

		if err := notif.Notify(context.WithoutCancel(ctx), "✅ Episode downloaded: "+displayName(ep)); err != nil {
			logger.Error("failed to send notification", "download_id", uint64(ep.ID), "err", err)
		}
	}
}

func watchFailed(ctx context.Context, manager *downloader.Manager, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for ep := range manager.OnEpisodeFailed {
		logger.Error("episode download failed", "download_id", uint64(ep.ID), "episode", ep.Title, "err", ep.Err)

		if err := notif.Notify(context.WithoutCancel(ctx), "❌ Download failed for episode: "+displayName(ep)); err != nil {
			logger.Error("failed to send notification", "download_id", uint64(ep.ID), "err", err)
		}
	}
}

func displayName(ep *downloader.Episode) string {
	if ep.Title != "" {
		return ep.Title
	}

	return ep.URL
}

func runCleanup(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			removed, err := cleanup.DeleteStalePartials(ctx, cfg.DownloadDir, cfg.PartialRetention, manager)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("failed to delete stale partial files", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("cleanup finished", "removed", removed)
			}
		}
	}
}
