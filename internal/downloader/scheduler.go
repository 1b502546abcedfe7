// Package downloader schedules content downloads across priority tiers with
// per-tier concurrency caps, folding duplicate requests into one transfer.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/events"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

const defaultProgressInterval = 250 * time.Millisecond

// ErrClosed is returned for work enqueued after Close.
var ErrClosed = errors.New("scheduler closed")

// Catalogs is the catalog manager as seen by the scheduler.
type Catalogs interface {
	EnsureValid(ctx context.Context, id string) error
	Loaded() []string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCaps overrides the caps of the given tiers.
func WithCaps(caps map[Priority]int) Option {
	return func(s *Scheduler) {
		for p, limit := range caps {
			s.caps[p] = max(limit, 0)
		}
	}
}

// WithProgressInterval sets how often transfer progress is polled.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.progressInterval = d
		}
	}
}

// WithCatalogs enables catalog refresh when a transfer is forbidden.
func WithCatalogs(c Catalogs) Option {
	return func(s *Scheduler) { s.catalogs = c }
}

// WithEvents publishes download events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) { s.telemetry = tel }
}

// EnqueueOption configures a single request.
type EnqueueOption func(*job)

// WithProgress reports progress in [0, 1]. Values never decrease and end
// at 1 on success.
func WithProgress(fn func(float64)) EnqueueOption {
	return func(j *job) { j.progress = fn }
}

// WithIndicator asks presentation layers to show a download indicator.
func WithIndicator(show bool) EnqueueOption {
	return func(j *job) { j.showIndicator = show }
}

type job struct {
	ctx           context.Context
	key           content.Key
	priority      Priority
	progress      func(float64)
	showIndicator bool
	future        *Future
	enqueuedAt    time.Time

	lastProgress float64
	reported     bool
}

func (j *job) report(v float64) {
	if j.progress == nil {
		return
	}

	v = min(max(v, 0), 1)
	if j.reported && v <= j.lastProgress {
		return
	}

	j.lastProgress = v
	j.reported = true
	j.progress(v)
}

type runningDownload struct {
	priority  Priority
	cancel    context.CancelFunc
	startedAt time.Time
}

// JobInfo describes a queued or running download.
type JobInfo struct {
	Key      content.Key `json:"key"`
	Priority string      `json:"priority"`
	State    string      `json:"state"`
	Since    time.Time   `json:"since"`
}

// Scheduler admits download jobs into per-priority FIFO queues and runs them
// within per-tier caps. A single pump goroutine, started on demand, does all
// admission; it exits once nothing is queued or running.
type Scheduler struct {
	store            content.Store
	catalogs         Catalogs
	bus              *events.Bus
	telemetry        *telemetry.Telemetry
	caps             map[Priority]int
	progressInterval time.Duration

	mu      sync.Mutex
	queues  map[Priority][]*job
	running map[content.Key]*runningDownload
	active  map[Priority]int
	pumping bool
	closed  bool
	wake    chan struct{}
	wg      sync.WaitGroup

	// pendingMu guards pending separately: enqueue races with completion
	// cleanup running on job goroutines.
	pendingMu sync.Mutex
	pending   map[content.Key]*Future
}

// New creates a Scheduler whose default caps derive from ceiling.
func New(store content.Store, ceiling int, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            store,
		caps:             DefaultCaps(ceiling),
		progressInterval: defaultProgressInterval,
		queues:           make(map[Priority][]*job),
		running:          make(map[content.Key]*runningDownload),
		active:           make(map[Priority]int),
		wake:             make(chan struct{}, 1),
		pending:          make(map[content.Key]*Future),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Caps returns a copy of the per-tier caps.
func (s *Scheduler) Caps() map[Priority]int {
	caps := make(map[Priority]int, len(s.caps))
	for p, limit := range s.caps {
		caps[p] = limit
	}

	return caps
}

// Enqueue requests key at priority. ctx is the cancellation token of the
// download and carries its logger. A request for a key that is already
// queued or running returns the original Future unchanged; neither its
// priority nor its cancellation token is replaced.
func (s *Scheduler) Enqueue(ctx context.Context, key content.Key, priority Priority, opts ...EnqueueOption) *Future {
	if !priority.valid() {
		return resolvedFuture(fmt.Errorf("invalid priority %d", int(priority)))
	}

	s.pendingMu.Lock()
	if f, ok := s.pending[key]; ok {
		s.pendingMu.Unlock()

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "joining pending download", "content_key", key)

		return f
	}

	j := &job{
		ctx:        ctx,
		key:        key,
		priority:   priority,
		future:     newFuture(),
		enqueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(j)
	}

	s.pending[key] = j.future
	s.pendingMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.drop(j, ErrClosed)

		return j.future
	}

	s.queues[priority] = append(s.queues[priority], j)
	s.telemetry.AddQueuedDownloads(priority.String(), 1)

	if !s.pumping {
		s.pumping = true
		s.wg.Add(1)

		go s.pump()
	}
	s.mu.Unlock()

	s.signal()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download queued", "content_key", key, "priority", priority.String())

	return j.future
}

// EnqueueMany downloads keys one after another at priority. It carries on
// past failures and returns them joined; nil means every key is cached.
func (s *Scheduler) EnqueueMany(ctx context.Context, keys []content.Key, priority Priority, perKey func(content.Key, float64)) error {
	var errs []error

	for _, key := range keys {
		var opts []EnqueueOption
		if perKey != nil {
			opts = append(opts, WithProgress(func(v float64) { perKey(key, v) }))
		}

		if err := s.Enqueue(ctx, key, priority, opts...).Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// QueueStatus returns the number of running and queued jobs.
func (s *Scheduler) QueueStatus() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		queued += len(q)
	}

	return len(s.running), queued
}

// Jobs lists running jobs then queued jobs in admission order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []JobInfo

	for key, r := range s.running {
		jobs = append(jobs, JobInfo{Key: key, Priority: r.priority.String(), State: "running", Since: r.startedAt})
	}

	slices.SortFunc(jobs, func(a, b JobInfo) int { return a.Since.Compare(b.Since) })

	for _, p := range drainOrder {
		for _, j := range s.queues[p] {
			jobs = append(jobs, JobInfo{Key: j.key, Priority: p.String(), State: "queued", Since: j.enqueuedAt})
		}
	}

	return jobs
}

// Cancel signals cancellation to the running job for key. Queued jobs are
// not cancellable individually; it returns false for them.
func (s *Scheduler) Cancel(key content.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.running[key]
	if ok {
		r.cancel()
	}

	return ok
}

// CancelAll cancels every running job and drops every queued job, resolving
// the dropped futures with content.ErrCancelled.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()

	var dropped []*job

	for _, p := range drainOrder {
		dropped = append(dropped, s.queues[p]...)
		s.telemetry.AddQueuedDownloads(p.String(), -int64(len(s.queues[p])))
		s.queues[p] = nil
	}

	for _, r := range s.running {
		r.cancel()
	}

	s.mu.Unlock()

	for _, j := range dropped {
		s.drop(j, content.ErrCancelled)
	}

	s.bus.Publish(events.DownloadCancelled{})
	s.signal()
}

// Close cancels all work, rejects new requests and waits for job goroutines.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.wg.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pump() {
	defer s.wg.Done()

	for {
		s.mu.Lock()

		for _, p := range drainOrder {
			for s.active[p] < s.caps[p] && len(s.queues[p]) > 0 {
				j := s.queues[p][0]
				s.queues[p][0] = nil
				s.queues[p] = s.queues[p][1:]

				s.start(j)
			}
		}

		if len(s.running) == 0 && s.queuedLocked() == 0 {
			s.pumping = false
			s.mu.Unlock()

			return
		}

		s.mu.Unlock()

		<-s.wake
	}
}

func (s *Scheduler) queuedLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}

	return n
}

func (s *Scheduler) start(j *job) {
	ctx, cancel := context.WithCancel(j.ctx)

	s.active[j.priority]++
	s.running[j.key] = &runningDownload{priority: j.priority, cancel: cancel, startedAt: time.Now()}
	s.telemetry.AddQueuedDownloads(j.priority.String(), -1)

	s.wg.Add(1)

	go s.run(ctx, cancel, j)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, j *job) {
	defer s.wg.Done()
	defer cancel()

	ctx = logctx.WithContentKey(ctx, string(j.key))
	logger := logctx.LoggerFromContext(ctx)
	startedAt := time.Now()

	s.bus.Publish(events.DownloadStarted{Key: j.key, Priority: j.priority.String(), ShowIndicator: j.showIndicator})
	logger.InfoContext(ctx, "download started", "priority", j.priority.String(), "queued_for", startedAt.Sub(j.enqueuedAt))

	err := s.telemetry.InstrumentDownload(ctx, j.priority.String(), func(ctx context.Context) error {
		return s.execute(ctx, j)
	})
	if err != nil && ctx.Err() != nil {
		err = content.ErrCancelled
	}

	s.finish(ctx, j, err, time.Since(startedAt))
}

// execute runs one attempt and, when access is forbidden, refreshes the
// catalogs involved and retries exactly once.
func (s *Scheduler) execute(ctx context.Context, j *job) error {
	locs, err := s.attempt(ctx, j)
	if err == nil || ctx.Err() != nil || !content.IsAccessForbidden(err) {
		return err
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "access forbidden, refreshing catalogs before retry", "err", err)
	s.telemetry.RecordRetry("access_forbidden")

	if err := s.refreshCatalogs(ctx, err, locs); err != nil {
		return err
	}

	_, err = s.attempt(ctx, j)

	return err
}

func (s *Scheduler) attempt(ctx context.Context, j *job) ([]content.Location, error) {
	if ctx.Err() != nil {
		return nil, content.ErrCancelled
	}

	locs, err := s.store.ResolveLocations(ctx, j.key)
	if err != nil {
		return nil, err
	}

	size, err := s.store.GetDownloadSize(ctx, locs)
	if err != nil {
		return locs, err
	}

	if size == 0 {
		j.report(1)

		return locs, nil
	}

	op, err := s.store.Transfer(ctx, locs)
	if err != nil {
		return locs, err
	}

	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-op.Done():
			if err := op.Err(); err != nil {
				return locs, err
			}

			j.report(1)

			return locs, nil
		case <-ticker.C:
			j.report(op.PercentComplete())
		case <-ctx.Done():
			return locs, content.ErrCancelled
		}
	}
}

func (s *Scheduler) refreshCatalogs(ctx context.Context, cause error, locs []content.Location) error {
	if s.catalogs == nil {
		return cause
	}

	var ids []string

	var forbidden *content.AccessForbiddenError
	if errors.As(cause, &forbidden) && forbidden.Catalog != "" {
		ids = append(ids, forbidden.Catalog)
	} else {
		for _, loc := range locs {
			if loc.Catalog != "" && !slices.Contains(ids, loc.Catalog) {
				ids = append(ids, loc.Catalog)
			}
		}
	}

	if len(ids) == 0 {
		ids = s.catalogs.Loaded()
	}

	for _, id := range ids {
		if err := s.catalogs.EnsureValid(ctx, id); err != nil {
			var unavailable *content.CatalogUnavailableError
			if errors.As(err, &unavailable) {
				return err
			}

			return &content.CatalogUnavailableError{Catalog: id, Reason: "refresh after forbidden transfer failed", Err: err}
		}
	}

	return nil
}

// finish releases the job's slot and pending entry, resolves the future and
// then publishes the outcome.
func (s *Scheduler) finish(ctx context.Context, j *job, err error, elapsed time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	delete(s.running, j.key)
	s.active[j.priority]--
	s.mu.Unlock()

	s.forget(j)
	j.future.resolve(err)

	switch {
	case err == nil:
		logger.InfoContext(ctx, "download completed", "elapsed", elapsed)
		s.bus.Publish(events.DownloadCompleted{Key: j.key, Elapsed: elapsed})
	case errors.Is(err, content.ErrCancelled):
		logger.InfoContext(ctx, "download cancelled")
		s.bus.Publish(events.DownloadCancelled{Key: j.key})
	default:
		logger.ErrorContext(ctx, "download failed", "err", err)
		s.bus.Publish(events.DownloadFailed{Key: j.key, Message: err.Error(), Err: err})
	}

	s.signal()
}

// drop resolves a job that never started.
func (s *Scheduler) drop(j *job, err error) {
	s.forget(j)
	j.future.resolve(err)
}

func (s *Scheduler) forget(j *job) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.pending[j.key] == j.future {
		delete(s.pending, j.key)
	}
}
