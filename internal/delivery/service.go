// Package delivery builds the delivery core once at process start and hands
// the wired components to whoever needs them.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/content_delivery/internal/cache"
	"github.com/italolelis/content_delivery/internal/catalog"
	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/downloader"
	"github.com/italolelis/content_delivery/internal/events"
	"github.com/italolelis/content_delivery/internal/handles"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

// Store is everything the core needs from the content store.
type Store interface {
	content.Store
	cache.Store
}

// Config configures the core.
type Config struct {
	CatalogURLs      []string
	TransferCeiling  int
	PriorityCaps     map[downloader.Priority]int
	ProgressInterval time.Duration
	EventBuffer      int
}

// Service is the explicit context object of the delivery core.
type Service struct {
	Events    *events.Bus
	Catalogs  *catalog.Manager
	Scheduler *downloader.Scheduler
	Cache     *cache.Inspector
	Handles   *handles.Loader

	catalogURLs []string
}

// New wires the core around store. Call Start to load the catalogs and
// Shutdown to release everything.
func New(ctx context.Context, store Store, cfg Config, tel *telemetry.Telemetry) *Service {
	bus := events.NewBus(cfg.EventBuffer, events.WithTelemetry(tel))

	catalogs := catalog.NewManager(ctx, store, catalog.WithTelemetry(tel))

	scheduler := downloader.New(store, cfg.TransferCeiling,
		downloader.WithCaps(cfg.PriorityCaps),
		downloader.WithProgressInterval(cfg.ProgressInterval),
		downloader.WithCatalogs(catalogs),
		downloader.WithEvents(bus),
		downloader.WithTelemetry(tel),
	)

	return &Service{
		Events:      bus,
		Catalogs:    catalogs,
		Scheduler:   scheduler,
		Cache:       cache.NewInspector(store, tel),
		Handles:     handles.NewLoader(store, handles.NewRepository(store), bus),
		catalogURLs: cfg.CatalogURLs,
	}
}

// Start loads every configured catalog.
func (s *Service) Start(ctx context.Context) error {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "loading catalogs", "count", len(s.catalogURLs))

	return s.Catalogs.LoadAll(ctx, s.catalogURLs)
}

// Download caches key and waits for the outcome. On failure the key's cache
// entries are cleared so a retry never starts from partial state.
func (s *Service) Download(ctx context.Context, key content.Key, priority downloader.Priority, opts ...downloader.EnqueueOption) error {
	err := s.Scheduler.Enqueue(ctx, key, priority, opts...).Wait(ctx)
	if err == nil || errors.Is(err, content.ErrCancelled) || errors.Is(err, context.Canceled) {
		return err
	}

	if clearErr := s.Cache.ClearForKey(context.WithoutCancel(ctx), key); clearErr != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to clear cache after failed download",
			"content_key", key, "err", clearErr)
	}

	return err
}

// DownloadAndLoad caches key and loads it as kind through the handle repository.
func (s *Service) DownloadAndLoad(
	ctx context.Context,
	key content.Key,
	priority downloader.Priority,
	kind content.Kind,
	autoUnload bool,
) (content.Handle, error) {
	if err := s.Download(ctx, key, priority); err != nil {
		return nil, err
	}

	return s.Handles.Load(ctx, key, kind, autoUnload)
}

// ValidateCatalogs makes sure every configured catalog is loaded and fresh.
func (s *Service) ValidateCatalogs(ctx context.Context) error {
	var errs []error

	for _, id := range s.catalogURLs {
		errs = append(errs, s.Catalogs.EnsureValid(ctx, id))
	}

	return errors.Join(errs...)
}

// CatalogURLs returns the configured catalog sources.
func (s *Service) CatalogURLs() []string {
	return append([]string(nil), s.catalogURLs...)
}

// Shutdown stops the scheduler, releases every handle, stops expiry timers
// and closes the event bus.
func (s *Service) Shutdown(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	s.Scheduler.Close()

	released := s.Handles.ReleaseAll()
	s.Catalogs.Close()
	s.Events.Close()

	logger.InfoContext(ctx, "delivery core stopped", "handles_released", released)
}
