package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/logctx"
)

const maxManifestSize = 32 * 1024 * 1024

type manifestDocument struct {
	ID      string          `json:"id"`
	Entries []content.Entry `json:"entries"`
}

// LoadManifest reads the manifest at uri, which is an http(s) URL, a
// file:// URL or a path on the store's filesystem, and registers it for
// resolution.
func (s *Store) LoadManifest(ctx context.Context, uri string) (*content.Manifest, error) {
	logger := logctx.LoggerFromContext(ctx).With("catalog", uri)

	raw, err := s.readManifest(ctx, uri)
	if err != nil {
		return nil, err
	}

	var doc manifestDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", uri, err)
	}

	for i, e := range doc.Entries {
		if e.Key == "" {
			return nil, fmt.Errorf("manifest %s: entry %d has no key", uri, i)
		}

		if e.Hash != "" && !isHexDigest(e.Hash) {
			return nil, fmt.Errorf("manifest %s: entry %q has an invalid hash %q", uri, e.Key, e.Hash)
		}
	}

	id := doc.ID
	if id == "" {
		id = uri
	}

	m := &content.Manifest{
		ID:       id,
		URI:      uri,
		Entries:  doc.Entries,
		LoadedAt: time.Now(),
	}

	s.register(m)

	logger.DebugContext(ctx, "manifest registered", "manifest_id", m.ID, "entries", len(m.Entries))

	return m, nil
}

func (s *Store) readManifest(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return s.fetchManifest(ctx, uri)
	}

	raw, err := afero.ReadFile(s.fs, strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", uri, err)
	}

	return raw, nil
}

func (s *Store) fetchManifest(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &content.TransferError{Key: content.Key(uri), Operation: "manifest", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(content.Key(uri), uri, "manifest", resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &content.TransferError{Key: content.Key(uri), Operation: "manifest", Message: err.Error(), Err: err}
	}

	return raw, nil
}

// statusError maps a non-2xx response onto the content error taxonomy.
func statusError(key content.Key, url, operation string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return &content.AccessForbiddenError{Key: key, URL: url}
	case resp.StatusCode == http.StatusNotFound:
		return &content.NotFoundError{Key: key}
	default:
		return &content.TransferError{
			Key:        key,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
}
