package content

import (
	"errors"
	"fmt"
	"testing"
)

// TestTransferError_Error verifies error message formatting
func TestTransferError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *TransferError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &TransferError{
				Key:        "tex_hero",
				Operation:  "get",
				StatusCode: 503,
				Message:    "service unavailable",
			},
			wantFormat: `transfer of "tex_hero" failed during get (HTTP 503): service unavailable`,
		},
		{
			name: "without HTTP status code",
			err: &TransferError{
				Key:       "tex_hero",
				Operation: "get",
				Message:   "connection reset",
			},
			wantFormat: `transfer of "tex_hero" failed during get: connection reset`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &NotFoundError{Key: "level_5"}

	expected := `no location found for key "level_5"`
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestCatalogUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &CatalogUnavailableError{Catalog: "https://cdn/catalog.json", Reason: "reload failed", Err: cause}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}

	var target *CatalogUnavailableError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract CatalogUnavailableError from wrapped chain")
	}

	if target.Catalog != "https://cdn/catalog.json" {
		t.Errorf("Catalog = %q, want %q", target.Catalog, "https://cdn/catalog.json")
	}
}

func TestIsAccessForbidden(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "typed", err: &AccessForbiddenError{Key: "a"}, want: true},
		{name: "wrapped typed", err: fmt.Errorf("attempt: %w", &AccessForbiddenError{Key: "a"}), want: true},
		{name: "transfer error with 403", err: &TransferError{Key: "a", Operation: "get", StatusCode: 403}, want: true},
		{name: "plain message", err: errors.New("remote returned HTTP/1.1 403 Forbidden"), want: true},
		{name: "transfer error with 500", err: &TransferError{Key: "a", Operation: "get", StatusCode: 500, Message: "boom"}, want: false},
		{name: "not found", err: &NotFoundError{Key: "a"}, want: false},
		{name: "cancelled", err: ErrCancelled, want: false},
		{name: "not found for key containing 403", err: &NotFoundError{Key: "sfx_403_boom"}, want: false},
		{name: "wrapped not found for key containing 403", err: fmt.Errorf("sfx_403_boom: %w", &NotFoundError{Key: "sfx_403_boom"}), want: false},
		{name: "bad gateway for key containing forbidden", err: &TransferError{Key: "forbidden_zone_map", Operation: "get", StatusCode: 502, Message: "Bad Gateway"}, want: false},
		{name: "transport error for key containing 403", err: &TransferError{Key: "level_403", Operation: "get", Message: "connection reset"}, want: false},
		{name: "catalog unavailable", err: &CatalogUnavailableError{Catalog: "https://cdn/403/catalog.json", Reason: "load failed"}, want: false},
		{name: "plain message with quoted key", err: errors.New(`open "forbidden 403": no such file`), want: false},
		{name: "plain message with key substring", err: errors.New("missing tex_forbidden_4031"), want: false},
		{name: "plain forbidden", err: errors.New("origin answered: Forbidden"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAccessForbidden(tt.err); got != tt.want {
				t.Errorf("IsAccessForbidden() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestErrorTypes_Nil verifies nil error handling
func TestErrorTypes_Nil(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "AccessForbiddenError with nil Err", err: &AccessForbiddenError{Key: "a"}},
		{name: "TransferError with nil Err", err: &TransferError{Key: "a", Operation: "get"}},
		{name: "CatalogUnavailableError with nil Err", err: &CatalogUnavailableError{Catalog: "c", Reason: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if errMsg := tt.err.Error(); errMsg == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}

func TestManifest_Locations(t *testing.T) {
	m := &Manifest{
		ID:  "main",
		URI: "file:///catalog.json",
		Entries: []Entry{
			{Key: "a", URL: "https://cdn/a", Size: 10, Labels: []string{"ui"}},
			{Key: "b", URL: "https://cdn/b"},
		},
	}

	locs := m.Locations()
	if len(locs) != 2 {
		t.Fatalf("Locations() returned %d entries, want 2", len(locs))
	}

	if locs[0].Catalog != m.URI {
		t.Errorf("Catalog = %q, want %q", locs[0].Catalog, m.URI)
	}

	if _, ok := m.Lookup("b"); !ok {
		t.Error("Lookup(b) should find the entry")
	}

	if _, ok := m.Lookup("missing"); ok {
		t.Error("Lookup(missing) should not find an entry")
	}

	var nilManifest *Manifest
	if nilManifest.Locations() != nil {
		t.Error("nil manifest should have no locations")
	}
}
