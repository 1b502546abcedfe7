package downloader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/content_delivery/internal/content"
)

type fakeOp struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	pct float64
	err error
}

func newFakeOp() *fakeOp {
	return &fakeOp{done: make(chan struct{})}
}

func (o *fakeOp) setProgress(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pct = v
}

func (o *fakeOp) complete(err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		if err == nil {
			o.pct = 1
		}
		o.mu.Unlock()

		close(o.done)
	})
}

func (o *fakeOp) Done() <-chan struct{} { return o.done }

func (o *fakeOp) IsDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *fakeOp) PercentComplete() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.pct
}

func (o *fakeOp) Status() content.OperationStatus {
	if !o.IsDone() {
		return content.StatusRunning
	}

	if o.Err() != nil {
		return content.StatusFailed
	}

	return content.StatusSucceeded
}

func (o *fakeOp) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.err
}

// fakeStore completes transfers immediately unless manual is set, in which
// case the test completes them through op().
type fakeStore struct {
	manual  bool
	catalog string
	started chan content.Key

	mu        sync.Mutex
	sizes     map[content.Key]int64
	failures  map[content.Key][]error
	ops       map[content.Key][]*fakeOp
	transfers map[content.Key]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		catalog:   "main",
		started:   make(chan content.Key, 64),
		sizes:     make(map[content.Key]int64),
		failures:  make(map[content.Key][]error),
		ops:       make(map[content.Key][]*fakeOp),
		transfers: make(map[content.Key]int),
	}
}

func (s *fakeStore) ResolveLocations(_ context.Context, key content.Key) ([]content.Location, error) {
	if key == "missing" {
		return nil, &content.NotFoundError{Key: key}
	}

	return []content.Location{{Key: key, URL: "https://cdn.example.com/" + string(key), Catalog: s.catalog}}, nil
}

func (s *fakeStore) GetDownloadSize(_ context.Context, locs []content.Location) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size, ok := s.sizes[locs[0].Key]; ok {
		return size, nil
	}

	return 100, nil
}

func (s *fakeStore) Transfer(_ context.Context, locs []content.Location) (content.Operation, error) {
	key := locs[0].Key
	op := newFakeOp()

	s.mu.Lock()
	s.transfers[key]++
	s.ops[key] = append(s.ops[key], op)

	var err error
	if queue := s.failures[key]; len(queue) > 0 {
		err = queue[0]
		s.failures[key] = queue[1:]
	}
	s.mu.Unlock()

	s.started <- key

	if !s.manual {
		op.complete(err)
	}

	return op, nil
}

func (s *fakeStore) Load(context.Context, content.Key, content.Kind) (content.Handle, error) {
	return nil, nil
}

func (s *fakeStore) Release(content.Handle) {}

func (s *fakeStore) LoadManifest(context.Context, string) (*content.Manifest, error) {
	return &content.Manifest{}, nil
}

func (s *fakeStore) UnregisterManifest(*content.Manifest) {}

func (s *fakeStore) op(key content.Key) *fakeOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.ops[key]

	return ops[len(ops)-1]
}

func (s *fakeStore) transferCount(key content.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transfers[key]
}

func waitStarted(t *testing.T, s *fakeStore) content.Key {
	t.Helper()

	select {
	case key := <-s.started:
		return key
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transfer to start")

		return ""
	}
}

func assertNotStarted(t *testing.T, s *fakeStore, within time.Duration) {
	t.Helper()

	select {
	case key := <-s.started:
		t.Fatalf("transfer for %q started unexpectedly", key)
	case <-time.After(within):
	}
}

func waitFuture(t *testing.T, f *Future) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}

	return err
}

type fakeCatalogs struct {
	mu     sync.Mutex
	calls  []string
	err    error
	loaded []string
}

func (c *fakeCatalogs) EnsureValid(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, id)

	return c.err
}

func (c *fakeCatalogs) Loaded() []string {
	return c.loaded
}

func (c *fakeCatalogs) ensureCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.calls...)
}

type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *progressRecorder) record(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values = append(r.values, v)
}

func (r *progressRecorder) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]float64(nil), r.values...)
}
