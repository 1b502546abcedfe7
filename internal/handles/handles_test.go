package handles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/events"
)

type fakeHandle struct {
	key      content.Key
	kind     content.Kind
	value    any
	released atomic.Bool
}

func (h *fakeHandle) Key() content.Key   { return h.key }
func (h *fakeHandle) Kind() content.Kind { return h.kind }
func (h *fakeHandle) Valid() bool        { return !h.released.Load() }
func (h *fakeHandle) Value() any         { return h.value }

type fakeStore struct {
	loads    atomic.Int32
	releases atomic.Int32
	err      error
	gate     chan struct{}
}

func (s *fakeStore) Load(_ context.Context, key content.Key, kind content.Kind) (content.Handle, error) {
	s.loads.Add(1)

	if s.gate != nil {
		<-s.gate
	}

	if s.err != nil {
		return nil, s.err
	}

	var value any = []byte("raw:" + key)
	if kind == content.KindText {
		value = "text:" + string(key)
	}

	return &fakeHandle{key: key, kind: kind, value: value}, nil
}

func (s *fakeStore) Release(h content.Handle) {
	s.releases.Add(1)
	h.(*fakeHandle).released.Store(true)
}

func TestRepository_RemoveIfKeepsNewerHandle(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)

	stale := &fakeHandle{key: "a"}
	fresh := &fakeHandle{key: "a"}

	repo.Add("a", stale, false)
	repo.Add("a", fresh, true)

	// A caller still holding the stale handle must not evict its replacement.
	assert.False(t, repo.RemoveIf("a", stale))

	got, ok := repo.TryGet("a")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, repo.RemoveIf("a", fresh))
	assert.False(t, repo.RemoveIf("a", fresh))
	assert.Zero(t, repo.Len())
	assert.True(t, fresh.Valid(), "RemoveIf never releases")
}

func TestRepository_AddReleasesReplacedHandle(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)

	first := &fakeHandle{key: "a"}
	second := &fakeHandle{key: "a"}

	repo.Add("a", first, false)
	repo.Add("a", first, true)
	assert.Zero(t, store.releases.Load(), "re-adding the same handle releases nothing")

	repo.Add("a", second, false)
	assert.Equal(t, int32(1), store.releases.Load())
	assert.False(t, first.Valid())

	got, ok := repo.TryGet("a")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, repo.Len())
}

func TestRepository_Flags(t *testing.T) {
	repo := NewRepository(&fakeStore{})

	assert.False(t, repo.UpdateAutoUnloadFlag("missing", true))

	repo.Add("b", &fakeHandle{key: "b"}, true)
	repo.Add("a", &fakeHandle{key: "a"}, false)
	repo.Add("c", &fakeHandle{key: "c"}, true)

	assert.Equal(t, []content.Key{"b", "c"}, repo.AutoUnloadKeys())

	assert.True(t, repo.UpdateAutoUnloadFlag("a", true))
	assert.True(t, repo.UpdateAutoUnloadFlag("c", false))
	assert.Equal(t, []content.Key{"a", "b"}, repo.AutoUnloadKeys())
}

func TestRepository_RemoveDoesNotRelease(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)

	h := &fakeHandle{key: "a"}
	repo.Add("a", h, false)

	assert.True(t, repo.Remove("a"))
	assert.False(t, repo.Remove("a"))
	assert.True(t, h.Valid())
	assert.Zero(t, store.releases.Load())

	_, ok := repo.TryGet("a")
	assert.False(t, ok)
}

func TestLoader_ReusesLiveHandle(t *testing.T) {
	store := &fakeStore{}
	loader := NewLoader(store, NewRepository(store), nil)

	first, err := loader.Load(context.Background(), "a", content.KindText, false)
	require.NoError(t, err)

	second, err := loader.Load(context.Background(), "a", content.KindText, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestLoader_JoinsInFlightLoad(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	bus := events.NewBus(16)
	defer bus.Close()

	started, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	loader := NewLoader(store, NewRepository(store), bus)

	const callers = 5

	var (
		wg      sync.WaitGroup
		results = make([]content.Handle, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			h, err := loader.Load(context.Background(), "a", content.KindBytes, false)
			assert.NoError(t, err)

			results[i] = h
		}()
	}

	select {
	case ev := <-started:
		assert.Equal(t, events.LoadStarted{Key: "a", Kind: content.KindBytes}, ev)
	case <-time.After(time.Second):
		t.Fatal("load never started")
	}

	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.loads.Load())

	for _, h := range results {
		assert.Same(t, results[0], h)
	}
}

func TestLoader_ReplacesStaleHandle(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)
	loader := NewLoader(store, repo, nil)

	bytesHandle, err := loader.Load(context.Background(), "a", content.KindBytes, false)
	require.NoError(t, err)

	textHandle, err := loader.Load(context.Background(), "a", content.KindText, false)
	require.NoError(t, err)

	assert.NotSame(t, bytesHandle, textHandle)
	assert.False(t, bytesHandle.Valid(), "wrong-kind handle is released")
	assert.Equal(t, int32(2), store.loads.Load())

	store.Release(textHandle)

	fresh, err := loader.Load(context.Background(), "a", content.KindText, false)
	require.NoError(t, err)
	assert.True(t, fresh.Valid())
	assert.Equal(t, int32(3), store.loads.Load())
}

func TestLoader_LoadFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("boom")}
	repo := NewRepository(store)
	loader := NewLoader(store, repo, nil)

	_, err := loader.Load(context.Background(), "a", content.KindBytes, false)
	assert.Error(t, err)
	assert.Zero(t, repo.Len())
}

func TestLoadAs(t *testing.T) {
	store := &fakeStore{}
	loader := NewLoader(store, NewRepository(store), nil)

	text, err := LoadAs[string](context.Background(), loader, "a", content.KindText, false)
	require.NoError(t, err)
	assert.Equal(t, "text:a", text)

	_, err = LoadAs[int](context.Background(), loader, "a", content.KindText, false)
	assert.Error(t, err)
}

func TestLoader_UnloadAndReleaseAutoUnload(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)
	loader := NewLoader(store, repo, nil)

	for _, key := range []content.Key{"a", "b", "c"} {
		_, err := loader.Load(context.Background(), key, content.KindBytes, key != "c")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, loader.ReleaseAutoUnload())
	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, int32(2), store.releases.Load())

	assert.True(t, loader.Unload("c"))
	assert.False(t, loader.Unload("c"))
	assert.Zero(t, repo.Len())
}

func TestLoader_ReleaseAll(t *testing.T) {
	store := &fakeStore{}
	repo := NewRepository(store)
	loader := NewLoader(store, repo, nil)

	for _, key := range []content.Key{"b", "a"} {
		_, err := loader.Load(context.Background(), key, content.KindBytes, false)
		require.NoError(t, err)
	}

	assert.Equal(t, []content.Key{"a", "b"}, repo.Keys())
	assert.Equal(t, 2, loader.ReleaseAll())
	assert.Zero(t, repo.Len())
	assert.Equal(t, int32(2), store.releases.Load())
}
