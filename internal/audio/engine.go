// Package audio caches audio files: it answers intercepted audio requests
// cache-first and runs page-requested prefetches through a bounded FIFO queue.
package audio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/fetch"
	"offline-cache-agent/internal/metrics"
	"offline-cache-agent/internal/protocol"
	"offline-cache-agent/internal/realtime"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// ErrBadStatus marks an upstream answer that is not a cacheable 200.
var ErrBadStatus = errors.New("audio: upstream status not cacheable")

// Broadcaster delivers a message to every connected page.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message) realtime.Report
}

// Config bounds the prefetch queue.
type Config struct {
	// Concurrency is the maximum number of prefetches in flight at once.
	Concurrency int
	// Retries is how many times a failed prefetch re-enters the queue.
	Retries int
}

// Engine is the audio prefetch/eviction engine.
//
// mu guards the queue and every task's state. The store is only written while
// mu is held and only after checking the task is still InFlight, so an aborted
// load can never land in the cache.
type Engine struct {
	store   *cache.Bounded
	fetcher fetch.Fetcher
	bc      Broadcaster
	cfg     Config

	mu       sync.Mutex
	queue    []*Task
	nextID   uint64
	inflight int
	closed   bool

	flight singleflight.Group
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	log     *log.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// New returns an Engine. bc may be nil when nobody listens.
func New(store *cache.Bounded, f fetch.Fetcher, bc Broadcaster, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("audio: concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("audio: retries must not be negative, got %d", cfg.Retries)
	}
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		fetcher: f,
		bc:      bc,
		cfg:     cfg,
		base:    base,
		stop:    stop,
		log:     log.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close cancels every load and waits for background fetches to return.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

// HandleRequest answers an intercepted audio request from the cache, or
// fetches the whole file, caches it and returns it. Concurrent misses for the
// same file share one upstream fetch. Range handling is left to the caller.
func (e *Engine) HandleRequest(ctx context.Context, r *http.Request) (entry *cache.Entry, hit bool, err error) {
	key := cache.Key(http.MethodGet, r.URL)

	entry, err = e.store.Get(ctx, key)
	if err == nil {
		e.log.Debug("audio cache hit", "key", key)
		e.metrics.Lookup(ctx, "audio", true)
		return entry, true, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		e.log.Warn("audio cache read failed, using network", "key", key, "err", err)
	}
	e.metrics.Lookup(ctx, "audio", false)

	target := r.URL.RequestURI()
	header := r.Header.Clone()
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.fetchDirect(ctx, key, target, header)
	})
	if err != nil {
		return nil, false, fmt.Errorf("audio %s: %w", r.URL.Path, err)
	}
	if shared {
		e.log.Debug("audio fetch shared", "key", key)
	}
	return v.(*cache.Entry), false, nil
}

// fetchDirect runs one upstream fetch for an intercepted miss. The load is
// tracked as a direct task unless a prefetch of the same key is already in flight.
func (e *Engine) fetchDirect(ctx context.Context, key, target string, header http.Header) (*cache.Entry, error) {
	// one requester going away must not fail the others sharing this fetch
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	e.mu.Lock()
	t := e.findLocked(key)
	switch {
	case t == nil:
		e.nextID++
		t = &Task{ID: e.nextID, Path: target, Key: key, Enqueued: e.now(), Direct: true}
		e.queue = append(e.queue, t)
		e.beginLocked(t, cancel)
	case t.State == Pending:
		// the page wants it now: the queued prefetch becomes the direct load
		t.Direct = true
		t.Depth = 0
		e.beginLocked(t, cancel)
	default:
		// a prefetch is already loading this file; fetch alongside it untracked
		t = nil
	}
	e.mu.Unlock()

	resp, err := e.fetcher.Fetch(fetchCtx, http.MethodGet, target, header)
	if err == nil && resp.Status != http.StatusOK {
		// the page still gets the upstream answer; it just is not cached
		e.finish(t, nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.Status))
		return resp, nil
	}
	if t == nil {
		if err == nil {
			e.putUntracked(key, resp)
		}
		return resp, err
	}
	e.finish(t, resp, err)
	return resp, err
}

func (e *Engine) putUntracked(key string, resp *cache.Entry) {
	stored := *resp
	stored.Key = key
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.Put(context.Background(), &stored); err != nil {
		e.log.Warn("audio cache write failed", "key", key, "err", err)
	}
}

// HandlePrefetch queues every path that is neither cached nor already queued.
// The first path is the direct item. It returns how many tasks were queued.
func (e *Engine) HandlePrefetch(ctx context.Context, paths []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}

	added := 0
	for depth, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		key, err := cache.KeyForTarget(http.MethodGet, p)
		if err != nil {
			e.log.Warn("ignoring unparsable prefetch path", "path", p, "err", err)
			continue
		}
		if e.findLocked(key) != nil {
			continue
		}
		cached, err := e.store.Has(ctx, key)
		if err != nil {
			e.log.Warn("audio cache lookup failed, queueing anyway", "key", key, "err", err)
		}
		if cached {
			continue
		}
		e.nextID++
		e.queue = append(e.queue, &Task{
			ID:       e.nextID,
			Path:     p,
			Key:      key,
			Enqueued: e.now(),
			State:    Pending,
			Depth:    depth,
		})
		added++
	}
	if added > 0 {
		e.log.Debug("prefetch queued", "added", added, "queue", len(e.queue))
	}
	e.pumpLocked()
	return added
}

// Abort removes every task whose path starts with pathPrefix. With keepDirect,
// a depth-zero task whose path equals pathPrefix, and any direct interception
// load, are kept. In-flight fetches of removed tasks are cancelled and their
// results discarded. It returns how many tasks were aborted.
func (e *Engine) Abort(pathPrefix string, keepDirect bool) int {
	e.mu.Lock()
	kept := make([]*Task, 0, len(e.queue))
	var aborted []*Task
	for _, t := range e.queue {
		if !strings.HasPrefix(t.Path, pathPrefix) || (keepDirect && isDirect(t, pathPrefix)) {
			kept = append(kept, t)
			continue
		}
		e.releaseLocked(t)
		t.State = Aborted
		aborted = append(aborted, t)
	}
	e.queue = kept
	e.pumpLocked()
	e.mu.Unlock()

	for _, t := range aborted {
		e.metrics.Prefetch(context.Background(), metrics.OutcomeAborted)
		e.log.Debug("audio load aborted", "path", t.Path)
	}
	return len(aborted)
}

func isDirect(t *Task, pathPrefix string) bool {
	return t.Depth == 0 && (t.Path == pathPrefix || t.Direct)
}

// Queue returns a snapshot of the pending and in-flight tasks in queue order.
func (e *Engine) Queue() []protocol.TaskDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []protocol.TaskDescriptor {
	out := make([]protocol.TaskDescriptor, 0, len(e.queue))
	for _, t := range e.queue {
		out = append(out, t.descriptor())
	}
	return out
}

func (e *Engine) findLocked(key string) *Task {
	for _, t := range e.queue {
		if t.Key == key {
			return t
		}
	}
	return nil
}

// pumpLocked promotes the earliest pending prefetches while slots are free.
func (e *Engine) pumpLocked() {
	if e.closed {
		return
	}
	for e.inflight < e.cfg.Concurrency {
		var next *Task
		for _, t := range e.queue {
			if t.State == Pending {
				next = t
				break
			}
		}
		if next == nil {
			return
		}
		ctx, cancel := context.WithCancel(e.base)
		e.beginLocked(next, cancel)
		e.wg.Add(1)
		go e.run(ctx, next)
	}
}

// beginLocked moves t to InFlight. Direct loads do not take a prefetch slot.
func (e *Engine) beginLocked(t *Task, cancel context.CancelFunc) {
	t.State = InFlight
	t.Attempts++
	t.cancel = cancel
	if !t.Direct {
		e.inflight++
	}
	e.store.Pin(t.Key)
}

// releaseLocked undoes beginLocked for an in-flight task.
func (e *Engine) releaseLocked(t *Task) {
	if t.State != InFlight {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	if !t.Direct {
		e.inflight--
	}
	e.store.Unpin(t.Key)
}

func (e *Engine) removeLocked(t *Task) {
	for i, q := range e.queue {
		if q == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) run(ctx context.Context, t *Task) {
	defer e.wg.Done()

	resp, err := e.fetcher.Fetch(ctx, http.MethodGet, t.Path, nil)
	if err == nil && resp.Status != http.StatusOK {
		resp, err = nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.Status)
	}
	e.finish(t, resp, err)
}

// finish commits the result of t's fetch and broadcasts the new queue state.
// A task that is no longer InFlight was aborted: its result is dropped silently.
func (e *Engine) finish(t *Task, resp *cache.Entry, fetchErr error) {
	if t == nil {
		return
	}
	ctx := context.Background()

	e.mu.Lock()
	if t.State != InFlight {
		e.mu.Unlock()
		e.log.Debug("discarding late audio result", "path", t.Path, "state", t.State)
		return
	}

	err := fetchErr
	if err == nil {
		stored := *resp
		stored.Key = t.Key
		evicted, putErr := e.store.Put(ctx, &stored)
		if putErr != nil {
			err = fmt.Errorf("audio cache write: %w", putErr)
		} else {
			e.metrics.Evicted(ctx, e.store.Name(), len(evicted))
			if len(evicted) > 0 {
				e.log.Debug("audio cache evicted", "keys", evicted)
			}
		}
	}

	e.releaseLocked(t)
	e.removeLocked(t)
	retry := false
	switch {
	case err == nil:
		t.State = Done
	case !t.Direct && !e.closed && t.Attempts <= e.cfg.Retries:
		t.State = Pending
		t.cancel = nil
		e.queue = append(e.queue, t)
		retry = true
	default:
		t.State = Failed
	}
	e.pumpLocked()
	pending := e.snapshotLocked()
	e.mu.Unlock()

	if retry {
		e.log.Warn("audio load failed, will retry", "path", t.Path, "attempt", t.Attempts, "err", err)
		return
	}

	update := protocol.PrefetchUpdate{Path: t.Path, Status: t.State.String(), PendingAudio: pending}
	if err != nil {
		e.log.Warn("audio load failed", "path", t.Path, "err", err)
		e.metrics.Prefetch(ctx, metrics.OutcomeFailed)
		update.Error = err.Error()
	} else {
		e.log.Debug("audio cached", "path", t.Path, "size", humanize.Bytes(uint64(len(resp.Body))))
		e.metrics.Prefetch(ctx, metrics.OutcomeDone)
	}
	if e.bc != nil {
		e.bc.Broadcast(ctx, update)
	}
}
