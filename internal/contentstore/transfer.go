package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/contentstore/progress"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/storage"
)

// GetDownloadSize returns the bytes still missing from the cache for locs.
// Locations without a published size are probed with HEAD; when the origin
// does not report a length they count as one byte so they are never
// mistaken for resident content.
func (s *Store) GetDownloadSize(ctx context.Context, locs []content.Location) (int64, error) {
	var total int64

	for _, loc := range locs {
		if _, ok := s.resident(loc); ok {
			continue
		}

		size := loc.Size
		if size <= 0 {
			probed, err := s.probeSize(ctx, loc)
			if err != nil {
				return 0, err
			}

			size = max(probed, 1)
		}

		total += size
	}

	return total, nil
}

func (s *Store) probeSize(ctx context.Context, loc content.Location) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, loc.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build size request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &content.TransferError{Key: loc.Key, Operation: "size", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := locationError(loc, "size", resp); err != nil {
		return 0, err
	}

	return resp.ContentLength, nil
}

// Transfer starts fetching every non-resident location in the background.
// Cancelling ctx aborts the transfer and fails the operation with
// content.ErrCancelled.
func (s *Store) Transfer(ctx context.Context, locs []content.Location) (content.Operation, error) {
	var (
		pending []content.Location
		total   int64
	)

	for _, loc := range locs {
		if _, ok := s.resident(loc); ok {
			continue
		}

		pending = append(pending, loc)
		total += max(loc.Size, 0)
	}

	op := newOperation(total)

	go func() {
		op.finish(s.fetchAll(ctx, pending, op))
	}()

	return op, nil
}

func (s *Store) fetchAll(ctx context.Context, locs []content.Location, op *operation) error {
	for _, loc := range locs {
		if err := s.fetch(ctx, loc, op); err != nil {
			if ctx.Err() != nil {
				return content.ErrCancelled
			}

			return err
		}
	}

	return nil
}

func (s *Store) fetch(ctx context.Context, loc content.Location, op *operation) error {
	logger := logctx.LoggerFromContext(ctx).With("content_key", loc.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build transfer request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &content.TransferError{Key: loc.Key, Operation: "get", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := locationError(loc, "get", resp); err != nil {
		return err
	}

	id := blobID(loc)

	target, err := s.blobPath(id)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(path.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, path.Dir(target), id+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	size := loc.Size
	if size <= 0 {
		size = resp.ContentLength
	}

	logger.DebugContext(ctx, "downloading blob", "size", humanize.Bytes(uint64(max(size, 0))))

	pr := progress.NewReader(resp.Body, size, func(read, _ int64) {
		op.advance(read)
	})

	written, copyErr := io.Copy(tmp, pr)
	closeErr := tmp.Close()
	op.commit(written)

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.fs.Remove(tmp.Name())

		return &content.TransferError{Key: loc.Key, Operation: "write", Message: err.Error(), Err: err}
	}

	if err := s.fs.Rename(tmp.Name(), target); err != nil {
		_ = s.fs.Remove(tmp.Name())

		return fmt.Errorf("failed to move blob into place: %w", err)
	}

	s.telemetry.RecordBytesTransferred(written)

	if s.repo != nil {
		rec := storage.CacheRecord{
			Hash:     id,
			Key:      string(loc.Key),
			Size:     written,
			Labels:   loc.Labels,
			CachedAt: time.Now(),
		}
		if err := s.repo.TrackEntry(rec); err != nil {
			logger.WarnContext(ctx, "failed to track cache entry", "err", err)
		}
	}

	logger.InfoContext(ctx, "blob cached", "size", humanize.Bytes(uint64(written)))

	return nil
}

func locationError(loc content.Location, operation string, resp *http.Response) error {
	err := statusError(loc.Key, loc.URL, operation, resp)

	var forbidden *content.AccessForbiddenError
	if errors.As(err, &forbidden) {
		forbidden.Catalog = loc.Catalog
	}

	return err
}

// operation is the content.Operation returned by Transfer.
type operation struct {
	total     int64
	committed atomic.Int64 // bytes of finished blobs
	current   atomic.Int64 // bytes of the blob being fetched

	done   chan struct{}
	once   sync.Once
	status atomic.Int32
	err    error
}

func newOperation(total int64) *operation {
	return &operation{total: total, done: make(chan struct{})}
}

func (o *operation) advance(read int64) {
	o.current.Store(read)
}

func (o *operation) commit(written int64) {
	o.committed.Add(written)
	o.current.Store(0)
}

func (o *operation) finish(err error) {
	o.once.Do(func() {
		o.err = err

		status := content.StatusSucceeded
		if err != nil {
			status = content.StatusFailed
		}

		o.status.Store(int32(status))
		close(o.done)
	})
}

func (o *operation) Done() <-chan struct{} { return o.done }

func (o *operation) IsDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *operation) PercentComplete() float64 {
	if o.Status() == content.StatusSucceeded {
		return 1
	}

	if o.total <= 0 {
		return 0
	}

	return min(float64(o.committed.Load()+o.current.Load())/float64(o.total), 1)
}

func (o *operation) Status() content.OperationStatus {
	return content.OperationStatus(o.status.Load())
}

func (o *operation) Err() error {
	if !o.IsDone() {
		return nil
	}

	return o.err
}
