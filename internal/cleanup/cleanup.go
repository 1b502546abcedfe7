package cleanup

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/storage"
)

// Evictor removes a cached blob by its content address.
type Evictor interface {
	EvictEntry(ctx context.Context, id string) error
}

// EvictExpired evicts every record cached longer than keepDuration ago and
// returns how many were evicted.
func EvictExpired(ctx context.Context, records []storage.CacheRecord, ev Evictor, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	evicted := 0

	for _, rec := range records {
		if now.Sub(rec.CachedAt) <= keepDuration {
			continue
		}

		if err := ev.EvictEntry(ctx, rec.Hash); err != nil {
			logger.ErrorContext(ctx, "failed to evict expired blob", "content_key", rec.Key, "blob", rec.Hash, "err", err)

			return evicted, err
		}

		evicted++

		logger.InfoContext(ctx, "evicted expired blob",
			"content_key", rec.Key,
			"size", humanize.Bytes(uint64(max(rec.Size, 0))),
			"cached", humanize.Time(rec.CachedAt),
		)
	}

	return evicted, nil
}

// Run sweeps the cache every interval until ctx is done.
func Run(ctx context.Context, repo storage.CacheReadRepository, ev Evictor, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup shutting down")

			return
		case <-ticker.C:
			expired, err := repo.GetEntriesOlderThan(time.Now().Add(-keepDuration))
			if err != nil {
				logger.ErrorContext(ctx, "failed to get cache entries for cleanup", "err", err)

				continue
			}

			if _, err := EvictExpired(ctx, expired, ev, keepDuration); err != nil {
				logger.ErrorContext(ctx, "failed to evict expired cache entries", "err", err)
			}
		}
	}
}
