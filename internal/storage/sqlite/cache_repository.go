package sqlite

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/italolelis/content_delivery/internal/storage"
)

const labelSeparator = "\x1f"

// CacheRepository implements storage.CacheRepository on SQLite.
type CacheRepository struct {
	db *sql.DB
}

func NewCacheRepository(dbConn *sql.DB) *CacheRepository {
	return &CacheRepository{db: dbConn}
}

// TrackEntry inserts or refreshes the record for rec.Hash.
func (r *CacheRepository) TrackEntry(rec storage.CacheRecord) error {
	cachedAt := rec.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO cache_entries (hash, content_key, size, labels, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			content_key = excluded.content_key,
			size = excluded.size,
			labels = excluded.labels,
			cached_at = excluded.cached_at
	`, rec.Hash, rec.Key, rec.Size, strings.Join(rec.Labels, labelSeparator), cachedAt.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *CacheRepository) GetEntry(hash string) (storage.CacheRecord, error) {
	row := r.db.QueryRow(`SELECT hash, content_key, size, labels, cached_at FROM cache_entries WHERE hash = ?`, hash)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CacheRecord{}, storage.ErrNotFound
	}

	return rec, err
}

func (r *CacheRepository) GetEntries() ([]storage.CacheRecord, error) {
	rows, err := r.db.Query(`SELECT hash, content_key, size, labels, cached_at FROM cache_entries ORDER BY cached_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetEntriesOlderThan returns records cached before cutoff, oldest first.
func (r *CacheRepository) GetEntriesOlderThan(cutoff time.Time) ([]storage.CacheRecord, error) {
	rows, err := r.db.Query(
		`SELECT hash, content_key, size, labels, cached_at FROM cache_entries WHERE cached_at < ? ORDER BY cached_at`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *CacheRepository) TotalSize() (int64, error) {
	var total sql.NullInt64
	if err := r.db.QueryRow(`SELECT SUM(size) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}

	return total.Int64, nil
}

// DeleteEntry removes the record for hash. Deleting a missing record is not an error.
func (r *CacheRepository) DeleteEntry(hash string) error {
	_, err := r.db.Exec(`DELETE FROM cache_entries WHERE hash = ?`, hash)

	return err
}

func (r *CacheRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM cache_entries`)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.CacheRecord, error) {
	var (
		rec      storage.CacheRecord
		labels   string
		cachedAt string
	)

	if err := s.Scan(&rec.Hash, &rec.Key, &rec.Size, &labels, &cachedAt); err != nil {
		return storage.CacheRecord{}, err
	}

	if labels != "" {
		rec.Labels = strings.Split(labels, labelSeparator)
	}

	parsed, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return storage.CacheRecord{}, err
	}

	rec.CachedAt = parsed

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]storage.CacheRecord, error) {
	var records []storage.CacheRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
