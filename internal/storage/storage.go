package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no cache record exists for a hash.
var ErrNotFound = errors.New("cache record not found")

// CacheRecord describes one content-addressed blob held in the local cache.
type CacheRecord struct {
	Hash     string
	Key      string
	Size     int64
	Labels   []string
	CachedAt time.Time
}

// CacheReadRepository reads the cache index.
type CacheReadRepository interface {
	GetEntry(hash string) (CacheRecord, error)
	GetEntries() ([]CacheRecord, error)
	GetEntriesOlderThan(cutoff time.Time) ([]CacheRecord, error)
	TotalSize() (int64, error)
}

// CacheWriteRepository mutates the cache index.
type CacheWriteRepository interface {
	TrackEntry(rec CacheRecord) error
	DeleteEntry(hash string) error
	DeleteAll() error
}

// CacheRepository is the full cache index.
type CacheRepository interface {
	CacheReadRepository
	CacheWriteRepository
}
