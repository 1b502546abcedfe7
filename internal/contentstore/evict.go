package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/logctx"
)

// CachedSize returns the bytes of locs currently resident in the cache.
func (s *Store) CachedSize(_ context.Context, locs []content.Location) int64 {
	var total int64

	for _, loc := range locs {
		if info, ok := s.resident(loc); ok {
			total += info.Size()
		}
	}

	return total
}

// TotalCachedSize returns the bytes tracked by the cache index.
func (s *Store) TotalCachedSize(_ context.Context) (int64, error) {
	if s.repo == nil {
		return 0, errors.New("cache index not configured")
	}

	return s.repo.TotalSize()
}

// Evict removes the cached bytes of locs. Missing blobs are not an error.
func (s *Store) Evict(ctx context.Context, locs []content.Location) error {
	var errs []error

	for _, loc := range locs {
		errs = append(errs, s.EvictEntry(ctx, blobID(loc)))
	}

	return errors.Join(errs...)
}

// EvictEntry removes a single blob by its content address.
func (s *Store) EvictEntry(ctx context.Context, id string) error {
	p, err := s.blobPath(id)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(p); err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to remove blob %s: %w", id, err)
	}

	if s.repo != nil {
		if err := s.repo.DeleteEntry(id); err != nil {
			return fmt.Errorf("failed to untrack blob %s: %w", id, err)
		}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "blob evicted", "blob", id)

	return nil
}

// EvictAll empties the cache.
func (s *Store) EvictAll(ctx context.Context) error {
	if err := s.fs.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	if err := s.fs.MkdirAll(s.root, dirPerm); err != nil {
		return fmt.Errorf("failed to recreate cache root: %w", err)
	}

	if s.repo != nil {
		if err := s.repo.DeleteAll(); err != nil {
			return fmt.Errorf("failed to clear cache index: %w", err)
		}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cache cleared")

	return nil
}
