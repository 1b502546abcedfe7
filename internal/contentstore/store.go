// Package contentstore is the content.Store used in production: it resolves
// keys through registered manifests, transfers bytes over HTTP into a
// content-addressed cache on an afero filesystem and loads typed values
// from that cache.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/storage"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

const dirPerm = 0o755

// Store implements content.Store.
type Store struct {
	fs        afero.Fs
	root      string
	repo      storage.CacheRepository
	client    *http.Client
	telemetry *telemetry.Telemetry

	mu        sync.RWMutex
	manifests []*content.Manifest // registration order; later registrations win
}

// New creates a Store that caches blobs under root on fs and records them in repo.
func New(fs afero.Fs, root string, repo storage.CacheRepository, client *http.Client, tel *telemetry.Telemetry) (*Store, error) {
	if err := fs.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &Store{
		fs:        fs,
		root:      root,
		repo:      repo,
		client:    client,
		telemetry: tel,
	}, nil
}

// ResolveLocations returns the location of key followed by the locations of
// its transitive dependencies, each key at most once.
func (s *Store) ResolveLocations(ctx context.Context, key content.Key) ([]content.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		locs []content.Location
		seen = make(map[content.Key]struct{})
	)

	var visit func(k content.Key) error
	visit = func(k content.Key) error {
		if _, ok := seen[k]; ok {
			return nil
		}

		seen[k] = struct{}{}

		m, entry, ok := s.lookupLocked(k)
		if !ok {
			return &content.NotFoundError{Key: k}
		}

		locs = append(locs, m.LocationFor(entry))

		for _, dep := range entry.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}

		return nil
	}

	if err := visit(key); err != nil {
		return nil, err
	}

	return locs, nil
}

// KeysWithLabel returns every key published with label by a registered manifest.
func (s *Store) KeysWithLabel(label string) []content.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []content.Key

	for _, m := range s.manifests {
		for _, e := range m.Entries {
			if slices.Contains(e.Labels, label) && !slices.Contains(keys, e.Key) {
				keys = append(keys, e.Key)
			}
		}
	}

	return keys
}

func (s *Store) lookupLocked(key content.Key) (*content.Manifest, content.Entry, bool) {
	for i := len(s.manifests) - 1; i >= 0; i-- {
		if e, ok := s.manifests[i].Lookup(key); ok {
			return s.manifests[i], e, true
		}
	}

	return nil, content.Entry{}, false
}

func (s *Store) register(m *content.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manifests = append(s.manifests, m)
}

// UnregisterManifest removes m from resolution. Unknown manifests are ignored.
func (s *Store) UnregisterManifest(m *content.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manifests = slices.DeleteFunc(s.manifests, func(other *content.Manifest) bool {
		return other == m
	})
}

// blobID is the content address of a location: its published hash, or a
// digest of its key when the catalog does not publish one.
func blobID(loc content.Location) string {
	if loc.Hash != "" {
		return loc.Hash
	}

	sum := sha256.Sum256([]byte(loc.Key))

	return hex.EncodeToString(sum[:])
}

// blobPath returns where blob id lives. Ids that would leave the cache root
// are rejected.
func (s *Store) blobPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid blob id %q", id)
	}

	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}

	p := path.Join(s.root, prefix, id)
	if !strings.HasPrefix(p, strings.TrimSuffix(path.Clean(s.root), "/")+"/") {
		return "", fmt.Errorf("blob id %q escapes the cache root", id)
	}

	return p, nil
}

func (s *Store) resident(loc content.Location) (os.FileInfo, bool) {
	p, err := s.blobPath(blobID(loc))
	if err != nil {
		return nil, false
	}

	info, err := s.fs.Stat(p)
	if err != nil {
		return nil, false
	}

	return info, !info.IsDir()
}

// isHexDigest reports whether h is a lowercase hex string.
func isHexDigest(h string) bool {
	if h == "" {
		return false
	}

	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

var _ content.Store = (*Store)(nil)
