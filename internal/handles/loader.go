package handles

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/events"
	"github.com/italolelis/content_delivery/internal/logctx"
)

// Store loads and releases typed handles.
type Store interface {
	Load(ctx context.Context, key content.Key, kind content.Kind) (content.Handle, error)
	Releaser
}

// Loader loads content through a Repository: a live handle of the right
// kind is reused, a load in flight for the same key and kind is joined and
// anything stale is released before loading afresh.
type Loader struct {
	store    Store
	repo     *Repository
	bus      *events.Bus
	inflight singleflight.Group
}

func NewLoader(store Store, repo *Repository, bus *events.Bus) *Loader {
	return &Loader{store: store, repo: repo, bus: bus}
}

// Repository returns the repository backing l.
func (l *Loader) Repository() *Repository {
	return l.repo
}

// Load returns a handle for key decoded as kind.
func (l *Loader) Load(ctx context.Context, key content.Key, kind content.Kind, autoUnload bool) (content.Handle, error) {
	if h, ok := l.repo.TryGet(key); ok {
		if h != nil && h.Valid() && h.Kind() == kind {
			return h, nil
		}

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "discarding stale handle", "content_key", key)

		if l.repo.RemoveIf(key, h) && h != nil && h.Valid() {
			l.store.Release(h)
		}
	}

	work := context.WithoutCancel(ctx)

	ch := l.inflight.DoChan(string(kind)+"/"+string(key), func() (any, error) {
		l.bus.Publish(events.LoadStarted{Key: key, Kind: kind})

		h, err := l.store.Load(work, key, kind)
		if err != nil {
			return nil, err
		}

		l.repo.Add(key, h, autoUnload)

		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(content.Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadAs loads key and asserts its value to T.
func LoadAs[T any](ctx context.Context, l *Loader, key content.Key, kind content.Kind, autoUnload bool) (T, error) {
	var zero T

	h, err := l.Load(ctx, key, kind, autoUnload)
	if err != nil {
		return zero, err
	}

	v, ok := h.Value().(T)
	if !ok {
		return zero, fmt.Errorf("content %q loaded as %s holds %T, not %T", key, kind, h.Value(), zero)
	}

	return v, nil
}

// Unload releases the handle of key. It returns false if key has none.
func (l *Loader) Unload(key content.Key) bool {
	h, ok := l.repo.TryGet(key)
	if !ok || !l.repo.RemoveIf(key, h) {
		return false
	}

	if h != nil && h.Valid() {
		l.store.Release(h)
	}

	return true
}

// ReleaseAutoUnload releases every handle flagged for automatic release and
// returns how many were released.
func (l *Loader) ReleaseAutoUnload() int {
	released := 0

	for _, key := range l.repo.AutoUnloadKeys() {
		if l.Unload(key) {
			released++
		}
	}

	return released
}

// ReleaseAll releases every handle in the repository.
func (l *Loader) ReleaseAll() int {
	released := 0

	for _, key := range l.repo.Keys() {
		if l.Unload(key) {
			released++
		}
	}

	return released
}
