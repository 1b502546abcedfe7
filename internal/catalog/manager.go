// Package catalog owns the lifecycle of the manifests that map content keys
// to locations: loading, unloading, signed-URL expiry tracking and
// coalesced refreshes.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

// State is the load state of a catalog.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// ManifestLoader is the part of content.Store the manager drives.
type ManifestLoader interface {
	LoadManifest(ctx context.Context, uri string) (*content.Manifest, error)
	UnregisterManifest(m *content.Manifest)
}

// Timer is a scheduled expiry callback.
type Timer interface {
	Stop() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimerFunc overrides how expiry callbacks are scheduled.
func WithTimerFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

// WithTelemetry records catalog operations.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = tel }
}

type catalogEntry struct {
	state      State
	manifest   *content.Manifest
	expiry     time.Time
	hasExpiry  bool
	timer      Timer
	generation uint64
}

// Manager loads and refreshes catalogs. Every mutation of a catalog runs
// through a per-catalog single-flight gate, so concurrent loads, refreshes
// and expiry callbacks never overlap.
type Manager struct {
	loader    ManifestLoader
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer

	gate singleflight.Group

	mu         sync.Mutex
	catalogs   map[string]*catalogEntry
	generation uint64
}

// NewManager creates a Manager. ctx supplies the logger used by expiry callbacks.
func NewManager(ctx context.Context, loader ManifestLoader, opts ...Option) *Manager {
	m := &Manager{
		loader:   loader,
		logger:   logctx.LoggerFromContext(ctx),
		now:      time.Now,
		catalogs: make(map[string]*catalogEntry),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Load loads catalog id. Loading an already loaded catalog is a no-op and
// concurrent loads of the same id share one manifest fetch.
func (m *Manager) Load(ctx context.Context, id string) error {
	if m.State(id) == Loaded {
		return nil
	}

	return m.do(ctx, id, "load", "request", func(ctx context.Context) error {
		if m.State(id) == Loaded {
			return nil
		}

		return m.load(ctx, id)
	})
}

// LoadAll loads every catalog in ids and returns the joined failures.
func (m *Manager) LoadAll(ctx context.Context, ids []string) error {
	var errs []error

	for _, id := range ids {
		errs = append(errs, m.Load(ctx, id))
	}

	return errors.Join(errs...)
}

// Unload removes catalog id from resolution and forgets its expiry. It does
// not wait for the gate: a load in flight notices its entry was replaced and
// discards its manifest.
func (m *Manager) Unload(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unloadLocked(id) {
		m.logger.Info("catalog unloaded", "catalog", id)
	}
}

// IsStillValid reports whether id is loaded and its signed URLs have not
// expired. Catalogs without signed URLs are never considered valid.
func (m *Manager) IsStillValid(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.catalogs[id]
	if !ok || e.state != Loaded || !e.hasExpiry {
		return false
	}

	return m.now().Before(e.expiry)
}

// EnsureValid refreshes id unless it is still valid. Concurrent callers
// join the refresh already in flight.
func (m *Manager) EnsureValid(ctx context.Context, id string) error {
	if m.IsStillValid(id) {
		return nil
	}

	return m.do(ctx, id, "refresh", "validate", func(ctx context.Context) error {
		if m.IsStillValid(id) {
			return nil
		}

		return m.refresh(ctx, id)
	})
}

// Loaded returns the ids of all loaded catalogs, sorted.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.catalogs))

	for id, e := range m.catalogs {
		if e.state == Loaded {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.catalogs[id]; ok {
		return e.state
	}

	return Unloaded
}

// Expiry returns the registered expiry of id, if any.
func (m *Manager) Expiry(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.catalogs[id]
	if !ok || !e.hasExpiry {
		return time.Time{}, false
	}

	return e.expiry, true
}

// Close stops every pending expiry callback. Loaded catalogs stay registered.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.catalogs {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// do runs fn through the gate for id. The shared work is detached from the
// caller's cancellation; a cancelled caller stops waiting without aborting
// the work for the others.
func (m *Manager) do(ctx context.Context, id, operation, trigger string, fn func(context.Context) error) error {
	work := context.WithoutCancel(ctx)

	ch := m.gate.DoChan(id, func() (any, error) {
		return nil, m.telemetry.InstrumentCatalog(work, operation, trigger, fn)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, id string) error {
	m.mu.Lock()
	m.unloadLocked(id)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "refreshing catalog", "catalog", id)

	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx).With("catalog", id)

	m.mu.Lock()
	e := &catalogEntry{state: Loading}
	m.catalogs[id] = e
	m.mu.Unlock()

	manifest, err := m.loader.LoadManifest(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.catalogs[id] != e {
		// Unloaded while the manifest was in flight.
		if manifest != nil {
			m.loader.UnregisterManifest(manifest)
		}

		return &content.CatalogUnavailableError{Catalog: id, Reason: "unloaded during load"}
	}

	if err != nil {
		delete(m.catalogs, id)
		logger.ErrorContext(ctx, "failed to load catalog", "err", err)

		return &content.CatalogUnavailableError{Catalog: id, Reason: "load failed", Err: err}
	}

	m.generation++
	e.state = Loaded
	e.manifest = manifest
	e.generation = m.generation

	expiry, ok := ManifestExpiry(manifest)

	switch {
	case !ok:
		logger.InfoContext(ctx, "catalog loaded", "entries", len(manifest.Entries))
	case !expiry.After(m.now()):
		// Reloading would publish the same expired URLs again. The catalog
		// stays invalid until EnsureValid is asked for it.
		e.expiry = expiry
		e.hasExpiry = true

		logger.WarnContext(ctx, "catalog loaded with expired signed URLs", "entries", len(manifest.Entries), "expired_at", expiry)
		m.telemetry.RecordSystemError("catalog", "expired_on_load")
	default:
		e.expiry = expiry
		e.hasExpiry = true

		generation := e.generation
		e.timer = m.afterFunc(expiry.Sub(m.now()), func() {
			m.onExpiry(id, generation)
		})

		logger.InfoContext(ctx, "catalog loaded", "entries", len(manifest.Entries), "expires_at", expiry)
	}

	return nil
}

func (m *Manager) unloadLocked(id string) bool {
	e, ok := m.catalogs[id]
	if !ok {
		return false
	}

	if e.timer != nil {
		e.timer.Stop()
	}

	if e.manifest != nil {
		m.loader.UnregisterManifest(e.manifest)
	}

	delete(m.catalogs, id)

	return true
}

func (m *Manager) current(id string, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.catalogs[id]

	return ok && e.generation == generation
}

func (m *Manager) onExpiry(id string, generation uint64) {
	if !m.current(id, generation) {
		return
	}

	ctx := logctx.WithLogger(context.Background(), m.logger)

	err := m.do(ctx, id, "refresh", "expiry", func(ctx context.Context) error {
		if !m.current(id, generation) {
			return nil
		}

		return m.refresh(ctx, id)
	})
	if err != nil {
		m.logger.Error("failed to refresh expired catalog", "catalog", id, "err", err)
		m.telemetry.RecordSystemError("catalog", "expiry_refresh")
	}
}
