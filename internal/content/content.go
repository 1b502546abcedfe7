package content

import (
	"context"
	"time"
)

// Key identifies a downloadable unit of content.
type Key string

// Kind names the type a key is loaded as (e.g. "bytes", "text", "json").
type Kind string

const (
	KindBytes Kind = "bytes"
	KindText  Kind = "text"
	KindJSON  Kind = "json"
)

// Location is where the bytes of a key live, as published by a catalog.
type Location struct {
	Key     Key
	URL     string
	Size    int64
	Hash    string
	Labels  []string
	Catalog string // id of the catalog that published this location
}

// Entry is a single manifest row.
type Entry struct {
	Key          Key      `json:"key"`
	URL          string   `json:"url"`
	Size         int64    `json:"size,omitempty"`
	Hash         string   `json:"hash,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Dependencies []Key    `json:"dependencies,omitempty"`
}

// Manifest is a loaded catalog: a table from keys to locations.
type Manifest struct {
	ID       string
	URI      string
	Entries  []Entry
	LoadedAt time.Time
}

// Locations returns every location the manifest publishes.
func (m *Manifest) Locations() []Location {
	if m == nil {
		return nil
	}

	locs := make([]Location, 0, len(m.Entries))
	for _, e := range m.Entries {
		locs = append(locs, m.location(e))
	}

	return locs
}

// Lookup returns the entry published for key.
func (m *Manifest) Lookup(key Key) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}

	for _, e := range m.Entries {
		if e.Key == key {
			return e, true
		}
	}

	return Entry{}, false
}

// LocationFor converts an entry of this manifest into a Location.
func (m *Manifest) LocationFor(e Entry) Location {
	return m.location(e)
}

func (m *Manifest) location(e Entry) Location {
	return Location{
		Key:     e.Key,
		URL:     e.URL,
		Size:    e.Size,
		Hash:    e.Hash,
		Labels:  e.Labels,
		Catalog: m.URI,
	}
}

// Handle is a loaded resource. A handle stays usable until it is released.
type Handle interface {
	Key() Key
	Kind() Kind
	Valid() bool
	Value() any
}

// OperationStatus is the state of a transfer operation.
type OperationStatus int

const (
	StatusRunning OperationStatus = iota
	StatusSucceeded
	StatusFailed
)

func (s OperationStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation tracks an in-flight byte transfer.
type Operation interface {
	// Done is closed once the transfer has finished, successfully or not.
	Done() <-chan struct{}
	IsDone() bool
	// PercentComplete reports progress in the range [0, 1].
	PercentComplete() float64
	Status() OperationStatus
	Err() error
}

// Store performs resolution, transfer and typed loading of content.
// Implementations must be safe for concurrent use.
type Store interface {
	ResolveLocations(ctx context.Context, key Key) ([]Location, error)
	// GetDownloadSize returns the number of bytes still missing from the cache. Zero means resident.
	GetDownloadSize(ctx context.Context, locs []Location) (int64, error)
	// Transfer starts fetching locs. Cancelling ctx aborts the transfer.
	Transfer(ctx context.Context, locs []Location) (Operation, error)
	Load(ctx context.Context, key Key, kind Kind) (Handle, error)
	Release(h Handle)
	LoadManifest(ctx context.Context, uri string) (*Manifest, error)
	UnregisterManifest(m *Manifest)
}
