// Package apicache serves API responses cache-first from a bounded store,
// invalidating the whole store when the staleness cutoff moves past it.
package apicache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/fetch"
	"offline-cache-agent/internal/metrics"
	"offline-cache-agent/internal/settings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Engine is the API cache-first strategy.
type Engine struct {
	store     *cache.Bounded
	fetcher   fetch.Fetcher
	staleness *settings.Staleness

	// mu guards checked and serializes the staleness check with the clear it may trigger.
	mu      sync.Mutex
	checked uint64

	log     *log.Logger
	metrics *metrics.Recorder
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

// New returns an Engine over store. staleness is shared with whoever applies config updates.
func New(store *cache.Bounded, f fetch.Fetcher, staleness *settings.Staleness, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		fetcher:   f,
		staleness: staleness,
		log:       log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the response to hand back to the page.
type Result struct {
	Entry *cache.Entry
	Hit   bool
}

// Handle answers an API request. A hit never touches the network. On a miss
// the upstream response is returned; a 200 is also cached (best effort).
// Transport failures are returned to the caller.
func (e *Engine) Handle(ctx context.Context, r *http.Request) (*Result, error) {
	e.invalidateIfStale(ctx)

	key := cache.Key(http.MethodGet, r.URL)
	entry, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		e.log.Debug("API cache hit", "key", key)
		e.metrics.Lookup(ctx, "api", true)
		return &Result{Entry: entry, Hit: true}, nil
	case !errors.Is(err, cache.ErrMiss):
		e.log.Warn("API cache read failed, using network", "key", key, "err", err)
	}
	e.metrics.Lookup(ctx, "api", false)

	resp, err := e.fetcher.Fetch(ctx, r.Method, r.URL.RequestURI(), r.Header)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", r.URL.Path, err)
	}
	if resp.Status == http.StatusOK && r.Method == http.MethodGet {
		resp.Key = key
		evicted, err := e.store.Put(ctx, resp)
		if err != nil {
			e.log.Warn("API cache write failed", "key", key, "err", err)
		} else {
			e.log.Debug("API response cached", "key", key, "size", humanize.Bytes(uint64(len(resp.Body))))
		}
		e.metrics.Evicted(ctx, e.store.Name(), len(evicted))
	}
	return &Result{Entry: resp}, nil
}

// invalidateIfStale clears the store once per staleness version when its
// oldest entry predates the cutoff.
func (e *Engine) invalidateIfStale(ctx context.Context) {
	cutoff, version := e.staleness.Load()

	e.mu.Lock()
	defer e.mu.Unlock()
	if version == e.checked {
		return
	}
	if cutoff != settings.NoCutoff {
		oldest, ok, err := e.store.Oldest(ctx)
		if err != nil {
			e.log.Warn("API cache age check failed", "err", err)
			return
		}
		if ok && oldest.Before(time.UnixMilli(cutoff)) {
			if err := e.store.Clear(ctx); err != nil {
				e.log.Warn("API cache clear failed", "err", err)
				return
			}
			e.log.Info("API cache cleared", "oldest", oldest.UTC().Format(time.RFC3339),
				"cutoff", time.UnixMilli(cutoff).UTC().Format(time.RFC3339))
			e.metrics.APIClear(ctx)
		}
	}
	e.checked = version
}
