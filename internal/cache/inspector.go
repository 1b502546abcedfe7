// Package cache answers residency questions about content keys and clears
// cached bytes. It never touches catalog state or loaded handles.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

// UnknownSize is returned by size queries that cannot be answered.
const UnknownSize int64 = -1

// Store is the cache-facing part of the content store.
type Store interface {
	ResolveLocations(ctx context.Context, key content.Key) ([]content.Location, error)
	GetDownloadSize(ctx context.Context, locs []content.Location) (int64, error)
	CachedSize(ctx context.Context, locs []content.Location) int64
	TotalCachedSize(ctx context.Context) (int64, error)
	Evict(ctx context.Context, locs []content.Location) error
	EvictAll(ctx context.Context) error
	KeysWithLabel(label string) []content.Key
}

type Inspector struct {
	store     Store
	telemetry *telemetry.Telemetry
}

func NewInspector(store Store, tel *telemetry.Telemetry) *Inspector {
	return &Inspector{store: store, telemetry: tel}
}

// IsCached reports whether key and all of its dependencies are resident,
// i.e. materializing key would transfer zero bytes.
func (i *Inspector) IsCached(ctx context.Context, key content.Key) bool {
	locs, err := i.store.ResolveLocations(ctx, key)
	if err != nil {
		return false
	}

	size, err := i.store.GetDownloadSize(ctx, locs)
	if err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to query download size", "content_key", key, "err", err)

		return false
	}

	return size == 0
}

// CachedSize returns the resident bytes of key and its dependencies, or UnknownSize.
func (i *Inspector) CachedSize(ctx context.Context, key content.Key) int64 {
	locs, err := i.store.ResolveLocations(ctx, key)
	if err != nil {
		return UnknownSize
	}

	return i.store.CachedSize(ctx, locs)
}

// TotalSize returns the bytes held by the whole cache, or UnknownSize.
func (i *Inspector) TotalSize(ctx context.Context) int64 {
	total, err := i.store.TotalCachedSize(ctx)
	if err != nil {
		return UnknownSize
	}

	return total
}

// ClearForKey removes the cached bytes of key and its dependencies. Keys no
// catalog publishes have nothing cached and clear successfully.
func (i *Inspector) ClearForKey(ctx context.Context, key content.Key) error {
	return i.telemetry.InstrumentCacheClear(ctx, "key", func(ctx context.Context) error {
		return i.clearKey(ctx, key)
	})
}

// ClearForLabel clears every key carrying label. A label no key carries is a no-op.
func (i *Inspector) ClearForLabel(ctx context.Context, label string) error {
	return i.telemetry.InstrumentCacheClear(ctx, "label", func(ctx context.Context) error {
		keys := i.store.KeysWithLabel(label)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "clearing cache for label", "label", label, "keys", len(keys))

		var errs []error
		for _, key := range keys {
			errs = append(errs, i.clearKey(ctx, key))
		}

		return errors.Join(errs...)
	})
}

// ClearAll empties the cache.
func (i *Inspector) ClearAll(ctx context.Context) error {
	return i.telemetry.InstrumentCacheClear(ctx, "all", func(ctx context.Context) error {
		return i.store.EvictAll(ctx)
	})
}

func (i *Inspector) clearKey(ctx context.Context, key content.Key) error {
	locs, err := i.store.ResolveLocations(ctx, key)
	if err != nil {
		if content.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("failed to resolve %q: %w", key, err)
	}

	if err := i.store.Evict(ctx, locs); err != nil {
		return fmt.Errorf("failed to clear %q: %w", key, err)
	}

	return nil
}
