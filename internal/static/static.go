// Package static serves the application shell from a generation-tagged cache
// namespace and manages the install/activate lifecycle of those namespaces.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/fetch"
	"offline-cache-agent/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// NamespacePrefix starts the name of every static generation namespace.
const NamespacePrefix = "static-"

// DevResource is the only resource installed in development mode.
const DevResource = "favicon.png"

// installParallelism bounds concurrent upstream fetches during Install.
const installParallelism = 4

// NamespaceName returns the namespace name of the generation built from commit.
func NamespaceName(commit string) string {
	if commit == "" {
		commit = "na"
	}
	return NamespacePrefix + commit
}

// Handler serves static requests cache-first from the current generation.
type Handler struct {
	ns        cache.Namespace
	fetcher   fetch.Fetcher
	prefix    string
	resources []string
	dev       bool

	log     *log.Logger
	metrics *metrics.Recorder
}

// Config describes the current static generation.
type Config struct {
	// Prefix is the normalized path prefix, e.g. "/" or "/player/".
	Prefix string
	// Resources are the static files relative to Prefix.
	Resources []string
	// Development installs only DevResource.
	Development bool
}

// New returns a Handler over the current generation namespace ns.
// logger and rec may be nil.
func New(ns cache.Namespace, f fetch.Fetcher, cfg Config, logger *log.Logger, rec *metrics.Recorder) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		ns:        ns,
		fetcher:   f,
		prefix:    cfg.Prefix,
		resources: cfg.Resources,
		dev:       cfg.Development,
		log:       logger,
		metrics:   rec,
	}
}

// Namespace returns the current generation name.
func (h *Handler) Namespace() string { return h.ns.Name() }

// Handle answers r from the current generation, or from the network without
// storing the answer. Network failures are returned.
func (h *Handler) Handle(ctx context.Context, r *http.Request) (entry *cache.Entry, hit bool, err error) {
	key := cache.Key(http.MethodGet, r.URL)
	entry, err = h.ns.Match(ctx, key)
	if err == nil {
		h.metrics.Lookup(ctx, "static", true)
		h.log.Debug("static cache hit", "key", key)
		return entry, true, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		h.log.Warn("static cache read failed, using network", "key", key, "err", err)
	}
	h.metrics.Lookup(ctx, "static", false)

	entry, err = h.fetcher.Fetch(ctx, r.Method, r.URL.RequestURI(), r.Header)
	if err != nil {
		return nil, false, fmt.Errorf("static %s: %w", r.URL.Path, err)
	}
	return entry, false, nil
}

// Targets returns the request targets Install stores.
func (h *Handler) Targets() []string {
	if h.dev {
		return []string{h.prefix + DevResource}
	}
	targets := make([]string, 0, len(h.resources)+1)
	targets = append(targets, h.prefix)
	for _, r := range h.resources {
		targets = append(targets, h.prefix+strings.TrimPrefix(r, "/"))
	}
	return targets
}

// Install fetches every target into the current generation. Like an atomic
// add-all, nothing is stored unless every target answered 200.
func (h *Handler) Install(ctx context.Context) error {
	start := time.Now()
	targets := h.Targets()
	entries := make([]*cache.Entry, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installParallelism)
	for i, target := range targets {
		g.Go(func() error {
			e, err := h.fetcher.Fetch(gctx, http.MethodGet, target, nil)
			if err != nil {
				return fmt.Errorf("install %s: %w", target, err)
			}
			if e.Status != http.StatusOK {
				return fmt.Errorf("install %s: upstream status %d", target, e.Status)
			}
			key, err := cache.KeyForTarget(http.MethodGet, target)
			if err != nil {
				return fmt.Errorf("install %s: %w", target, err)
			}
			e.Key = key
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var size uint64
	for _, e := range entries {
		if err := h.ns.Put(ctx, e); err != nil {
			return fmt.Errorf("install %s: %w", e.Key, err)
		}
		size += uint64(len(e.Body))
	}
	h.log.Info("static resources installed",
		"namespace", h.ns.Name(),
		"count", len(entries),
		"size", humanize.Bytes(size),
		"dev", h.dev,
		"took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Activate deletes every static generation other than current. It returns the
// deleted names.
func Activate(ctx context.Context, storage cache.Storage, current string, logger *log.Logger) ([]string, error) {
	if logger == nil {
		logger = log.Default()
	}
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if !strings.HasPrefix(name, NamespacePrefix) || name == current {
			continue
		}
		if err := storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete namespace %s: %w", name, err)
		}
		logger.Info("deleted old static generation", "namespace", name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}
