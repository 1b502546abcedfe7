package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/content_delivery/internal/storage"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

// InstrumentedCacheRepository wraps CacheRepository with telemetry.
type InstrumentedCacheRepository struct {
	repo      *CacheRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedCacheRepository creates a new instrumented cache repository.
func NewInstrumentedCacheRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedCacheRepository {
	return &InstrumentedCacheRepository{
		repo:      NewCacheRepository(dbConn),
		telemetry: tel,
	}
}

// TrackEntry records a cached blob with telemetry.
func (r *InstrumentedCacheRepository) TrackEntry(rec storage.CacheRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "track_entry", func(ctx context.Context) error {
		return r.repo.TrackEntry(rec)
	})
}

// GetEntry retrieves one record with telemetry.
func (r *InstrumentedCacheRepository) GetEntry(hash string) (storage.CacheRecord, error) {
	var result storage.CacheRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_entry", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetEntry(hash)

		return err
	})

	return result, err
}

// GetEntries retrieves all records with telemetry.
func (r *InstrumentedCacheRepository) GetEntries() ([]storage.CacheRecord, error) {
	var result []storage.CacheRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_entries", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetEntries()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetEntriesOlderThan retrieves expired records with telemetry.
func (r *InstrumentedCacheRepository) GetEntriesOlderThan(cutoff time.Time) ([]storage.CacheRecord, error) {
	var result []storage.CacheRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_entries_older_than", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetEntriesOlderThan(cutoff)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// TotalSize sums the cached bytes with telemetry.
func (r *InstrumentedCacheRepository) TotalSize() (int64, error) {
	var total int64

	err := r.telemetry.InstrumentDBOperation(context.Background(), "total_size", func(ctx context.Context) error {
		var err error
		total, err = r.repo.TotalSize()

		return err
	})

	return total, err
}

// DeleteEntry removes a record with telemetry.
func (r *InstrumentedCacheRepository) DeleteEntry(hash string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_entry", func(ctx context.Context) error {
		return r.repo.DeleteEntry(hash)
	})
}

// DeleteAll removes every record with telemetry.
func (r *InstrumentedCacheRepository) DeleteAll() error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_all", func(ctx context.Context) error {
		return r.repo.DeleteAll()
	})
}

var _ storage.CacheRepository = (*InstrumentedCacheRepository)(nil)
