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
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/content_delivery/internal/cleanup"
	"github.com/italolelis/content_delivery/internal/config"
	"github.com/italolelis/content_delivery/internal/contentstore"
	"github.com/italolelis/content_delivery/internal/delivery"
	"github.com/italolelis/content_delivery/internal/downloader"
	"github.com/italolelis/content_delivery/internal/http/rest"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/notifier"
	"github.com/italolelis/content_delivery/internal/storage/sqlite"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewContextHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("content delivery starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Lock the cache directory
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	// The lock lives beside the cache dir since clearing the cache empties it.
	lock := flock.New(filepath.Clean(cfg.CacheDir) + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("cache dir %s is in use by another process", cfg.CacheDir)
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release cache lock", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedCacheRepository(database, tel)

	// =========================================================================
	// Start Content Store
	store, err := contentstore.New(
		afero.NewOsFs(),
		cfg.CacheDir,
		repo,
		contentstore.NewHTTPClient(cfg.AccessToken, cfg.TransferTimeout),
		tel,
	)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	// =========================================================================
	// Start Delivery Core
	caps, err := downloader.CapsFromNames(cfg.PriorityCaps)
	if err != nil {
		return fmt.Errorf("invalid priority caps: %w", err)
	}

	svc := delivery.New(ctx, store, delivery.Config{
		CatalogURLs:      cfg.CatalogURLs,
		TransferCeiling:  cfg.TransferCeiling,
		PriorityCaps:     caps,
		ProgressInterval: cfg.ProgressInterval,
	}, tel)

	defer svc.Shutdown(context.WithoutCancel(ctx))

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to load catalogs: %w", err)
	}

	logger.Info("catalogs loaded",
		"catalogs", len(cfg.CatalogURLs),
		"transfer_ceiling", cfg.TransferCeiling,
		"retention", cfg.KeepCachedFor.String(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		g.Go(func() error {
			notifier.Relay(ctx, svc.Events, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})

			return nil
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(ctx, repo, store, cfg.CleanupInterval, cfg.KeepCachedFor)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, svc, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

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

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *delivery.Service, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", rest.NewDeliveryHandler(svc).Routes())

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
