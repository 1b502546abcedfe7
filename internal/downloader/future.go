package downloader

import (
	"context"
	"sync"
)

// Future is the completion of a download. Every request for the same key
// while it is pending shares one Future.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)

	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the download has succeeded, failed or been cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the download finishes or ctx is done. A nil result
// means the content is cached.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome, or nil while the download is still pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
