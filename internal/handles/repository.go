// Package handles keeps at most one live handle per content key and loads
// typed content without duplicating in-flight loads.
package handles

import (
	"slices"
	"sync"

	"github.com/italolelis/content_delivery/internal/content"
)

// Releaser frees a handle.
type Releaser interface {
	Release(h content.Handle)
}

// Entry is the handle currently representing a key.
type Entry struct {
	Key        content.Key
	Handle     content.Handle
	AutoUnload bool
}

// Repository maps keys to handles. It is the only owner of "which handle
// represents key K"; replacing an entry releases the previous handle.
type Repository struct {
	releaser Releaser

	mu      sync.Mutex
	entries map[content.Key]*Entry
}

func NewRepository(releaser Releaser) *Repository {
	return &Repository{releaser: releaser, entries: make(map[content.Key]*Entry)}
}

// Add stores h for key. A different live handle already stored for key is
// released first; re-adding the same handle only updates the flag.
func (r *Repository) Add(key content.Key, h content.Handle, autoUnload bool) {
	r.mu.Lock()
	prev, ok := r.entries[key]
	r.entries[key] = &Entry{Key: key, Handle: h, AutoUnload: autoUnload}
	r.mu.Unlock()

	if ok && prev.Handle != h && prev.Handle != nil && prev.Handle.Valid() {
		r.releaser.Release(prev.Handle)
	}
}

func (r *Repository) TryGet(key content.Key) (content.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}

	return e.Handle, true
}

// UpdateAutoUnloadFlag sets the flag of key. It returns false for unknown keys.
func (r *Repository) UpdateAutoUnloadFlag(key content.Key, autoUnload bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}

	e.AutoUnload = autoUnload

	return true
}

// Remove forgets key without releasing its handle.
func (r *Repository) Remove(key content.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}

	delete(r.entries, key)

	return true
}

// RemoveIf forgets key only while h is still the handle stored for it.
func (r *Repository) RemoveIf(key content.Key, h content.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.Handle != h {
		return false
	}

	delete(r.entries, key)

	return true
}

// AutoUnloadKeys returns a sorted snapshot of the keys flagged for release
// at the next lifecycle boundary.
func (r *Repository) AutoUnloadKeys() []content.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []content.Key

	for key, e := range r.entries {
		if e.AutoUnload {
			keys = append(keys, key)
		}
	}

	slices.Sort(keys)

	return keys
}

// Keys returns a sorted snapshot of every key with a handle.
func (r *Repository) Keys() []content.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]content.Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}

func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
