package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/content_delivery/internal/content"
)

type fakeStore struct {
	locations map[content.Key][]content.Location
	labels    map[string][]content.Key
	resident  map[content.Key]int64
	sizeErr   error
	totalErr  error
	evictions int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		locations: map[content.Key][]content.Location{
			"tex_hero": {{Key: "tex_hero"}, {Key: "shader_common"}},
			"tex_bg":   {{Key: "tex_bg"}},
		},
		labels: map[string][]content.Key{
			"textures": {"tex_hero", "tex_bg"},
		},
		resident: map[content.Key]int64{
			"tex_hero":      100,
			"shader_common": 20,
			"tex_bg":        50,
		},
	}
}

func (s *fakeStore) ResolveLocations(_ context.Context, key content.Key) ([]content.Location, error) {
	locs, ok := s.locations[key]
	if !ok {
		return nil, &content.NotFoundError{Key: key}
	}

	return locs, nil
}

func (s *fakeStore) GetDownloadSize(_ context.Context, locs []content.Location) (int64, error) {
	if s.sizeErr != nil {
		return 0, s.sizeErr
	}

	var missing int64

	for _, loc := range locs {
		if _, ok := s.resident[loc.Key]; !ok {
			missing += 10
		}
	}

	return missing, nil
}

func (s *fakeStore) CachedSize(_ context.Context, locs []content.Location) int64 {
	var total int64
	for _, loc := range locs {
		total += s.resident[loc.Key]
	}

	return total
}

func (s *fakeStore) TotalCachedSize(context.Context) (int64, error) {
	if s.totalErr != nil {
		return 0, s.totalErr
	}

	var total int64
	for _, size := range s.resident {
		total += size
	}

	return total, nil
}

func (s *fakeStore) Evict(_ context.Context, locs []content.Location) error {
	s.evictions++

	for _, loc := range locs {
		delete(s.resident, loc.Key)
	}

	return nil
}

func (s *fakeStore) EvictAll(context.Context) error {
	s.resident = map[content.Key]int64{}

	return nil
}

func (s *fakeStore) KeysWithLabel(label string) []content.Key {
	return s.labels[label]
}

func TestInspector_IsCached(t *testing.T) {
	store := newFakeStore()
	i := NewInspector(store, nil)

	assert.True(t, i.IsCached(context.Background(), "tex_hero"))
	assert.False(t, i.IsCached(context.Background(), "unknown"))

	delete(store.resident, "shader_common")
	assert.False(t, i.IsCached(context.Background(), "tex_hero"), "a missing dependency means not cached")

	store.sizeErr = errors.New("offline")
	assert.False(t, i.IsCached(context.Background(), "tex_bg"))
}

func TestInspector_Sizes(t *testing.T) {
	store := newFakeStore()
	i := NewInspector(store, nil)

	assert.Equal(t, int64(120), i.CachedSize(context.Background(), "tex_hero"))
	assert.Equal(t, UnknownSize, i.CachedSize(context.Background(), "unknown"))
	assert.Equal(t, int64(170), i.TotalSize(context.Background()))

	store.totalErr = errors.New("index unavailable")
	assert.Equal(t, UnknownSize, i.TotalSize(context.Background()))
}

func TestInspector_ClearForKeyIsIdempotent(t *testing.T) {
	store := newFakeStore()
	i := NewInspector(store, nil)

	require.NoError(t, i.ClearForKey(context.Background(), "tex_hero"))
	first := i.IsCached(context.Background(), "tex_hero")
	firstTotal := i.TotalSize(context.Background())

	require.NoError(t, i.ClearForKey(context.Background(), "tex_hero"))

	assert.Equal(t, first, i.IsCached(context.Background(), "tex_hero"))
	assert.Equal(t, firstTotal, i.TotalSize(context.Background()))
	assert.False(t, first)
	assert.Equal(t, int64(50), firstTotal)

	assert.NoError(t, i.ClearForKey(context.Background(), "unknown"))
}

func TestInspector_ClearForLabel(t *testing.T) {
	store := newFakeStore()
	i := NewInspector(store, nil)

	require.NoError(t, i.ClearForLabel(context.Background(), "audio"))
	assert.Zero(t, store.evictions, "a label with no keys clears nothing")

	require.NoError(t, i.ClearForLabel(context.Background(), "textures"))
	assert.Equal(t, 2, store.evictions)
	assert.Zero(t, i.TotalSize(context.Background()))

	require.NoError(t, i.ClearForLabel(context.Background(), "textures"))
}

func TestInspector_ClearAll(t *testing.T) {
	store := newFakeStore()
	i := NewInspector(store, nil)

	require.NoError(t, i.ClearAll(context.Background()))
	require.NoError(t, i.ClearAll(context.Background()))

	assert.Zero(t, i.TotalSize(context.Background()))
	assert.False(t, i.IsCached(context.Background(), "tex_bg"))
}
