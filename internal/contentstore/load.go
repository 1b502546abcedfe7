package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/italolelis/content_delivery/internal/content"
)

type handle struct {
	key      content.Key
	kind     content.Kind
	value    any
	released atomic.Bool
}

func (h *handle) Key() content.Key   { return h.key }
func (h *handle) Kind() content.Kind { return h.kind }
func (h *handle) Valid() bool        { return !h.released.Load() }
func (h *handle) Value() any         { return h.value }

// Load returns key decoded as kind. Missing blobs are transferred first.
func (s *Store) Load(ctx context.Context, key content.Key, kind content.Kind) (content.Handle, error) {
	locs, err := s.ResolveLocations(ctx, key)
	if err != nil {
		return nil, err
	}

	op, err := s.Transfer(ctx, locs)
	if err != nil {
		return nil, err
	}

	select {
	case <-op.Done():
	case <-ctx.Done():
		return nil, content.ErrCancelled
	}

	if err := op.Err(); err != nil {
		return nil, err
	}

	p, err := s.blobPath(blobID(locs[0]))
	if err != nil {
		return nil, err
	}

	raw, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob for %q: %w", key, err)
	}

	value, err := decode(raw, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %q as %s: %w", key, kind, err)
	}

	s.telemetry.AddLiveHandles(1)

	return &handle{key: key, kind: kind, value: value}, nil
}

// Release invalidates h. Releasing a handle twice, or one this store did not
// create, does nothing.
func (s *Store) Release(h content.Handle) {
	sh, ok := h.(*handle)
	if !ok {
		return
	}

	if sh.released.CompareAndSwap(false, true) {
		s.telemetry.AddLiveHandles(-1)
	}
}

func decode(raw []byte, kind content.Kind) (any, error) {
	switch kind {
	case content.KindBytes, "":
		return raw, nil
	case content.KindText:
		return string(raw), nil
	case content.KindJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}

		return v, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}
