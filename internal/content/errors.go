package content

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// ErrCancelled is returned when a download observed cooperative cancellation.
var ErrCancelled = errors.New("download cancelled")

// NotFoundError is returned when no loaded catalog publishes a location for a key.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no location found for key %q", e.Key)
}

// AccessForbiddenError represents a 403 from the origin, usually an expired or
// invalid signed URL.
type AccessForbiddenError struct {
	Key     Key
	Catalog string // catalog that published the rejected location, if known
	URL     string
	Err     error
}

func (e *AccessForbiddenError) Error() string {
	return fmt.Sprintf("access forbidden for key %q (HTTP %d)", e.Key, http.StatusForbidden)
}

func (e *AccessForbiddenError) Unwrap() error {
	return e.Err
}

// TransferError represents network and transport failures.
type TransferError struct {
	Key        Key
	Operation  string // e.g. "get", "head", "write"
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	Message    string
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer of %q failed during %s (HTTP %d): %s", e.Key, e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("transfer of %q failed during %s: %s", e.Key, e.Operation, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// CatalogUnavailableError is returned when a catalog could not be loaded or refreshed.
type CatalogUnavailableError struct {
	Catalog string
	Reason  string
	Err     error
}

func (e *CatalogUnavailableError) Error() string {
	return fmt.Sprintf("catalog %s unavailable: %s", e.Catalog, e.Reason)
}

func (e *CatalogUnavailableError) Unwrap() error {
	return e.Err
}

var (
	quoted          = regexp.MustCompile(`"[^"]*"`)
	forbiddenStatus = regexp.MustCompile(`(?i)\b(403|forbidden)\b`)
)

// IsAccessForbidden reports whether err means the origin refused access.
// Typed errors decide by their kind and status code. Untyped errors are
// matched on a standalone 403 or "forbidden" outside quoted text, so keys
// embedded in messages never count.
func IsAccessForbidden(err error) bool {
	if err == nil {
		return false
	}

	var forbidden *AccessForbiddenError
	if errors.As(err, &forbidden) {
		return true
	}

	var terr *TransferError
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusForbidden
	}

	var (
		notFound    *NotFoundError
		unavailable *CatalogUnavailableError
	)

	if errors.As(err, &notFound) || errors.As(err, &unavailable) || errors.Is(err, ErrCancelled) {
		return false
	}

	return forbiddenStatus.MatchString(quoted.ReplaceAllString(err.Error(), ""))
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError

	return errors.As(err, &nf)
}
