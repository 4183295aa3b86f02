// Package metrics records cache and prefetch activity as OpenTelemetry counters.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope used for all agent instruments.
const MeterName = "offline-cache-agent"

// Prefetch outcomes.
const (
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Recorder holds the agent's instruments.
type Recorder struct {
	lookups    metric.Int64Counter
	prefetches metric.Int64Counter
	deliveries metric.Int64Counter
	clears     metric.Int64Counter
	evictions  metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Recorder, error) {
	lookups, err := meter.Int64Counter(
		"cache.lookups",
		metric.WithDescription("Cache lookups by content class and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	prefetches, err := meter.Int64Counter(
		"audio.prefetch.finished",
		metric.WithDescription("Finished audio loads by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"broadcast.deliveries",
		metric.WithDescription("Broadcast deliveries to page instances by result"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	clears, err := meter.Int64Counter(
		"api.cache.clears",
		metric.WithDescription("Full API cache invalidations"),
		metric.WithUnit("{clear}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"cache.evictions",
		metric.WithDescription("Entries evicted to respect a cache limit"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		lookups:    lookups,
		prefetches: prefetches,
		deliveries: deliveries,
		clears:     clears,
		evictions:  evictions,
	}, nil
}

// Noop returns a Recorder backed by a no-op meter.
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(MeterName))
	return r
}

// Lookup records a cache lookup for class.
func (r *Recorder) Lookup(ctx context.Context, class string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("result", result),
	))
}

// Prefetch records a finished audio load.
func (r *Recorder) Prefetch(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.prefetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Deliveries records the result of one broadcast fan-out.
func (r *Recorder) Deliveries(ctx context.Context, delivered, failed int) {
	if r == nil {
		return
	}
	if delivered > 0 {
		r.deliveries.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("result", "ok")))
	}
	if failed > 0 {
		r.deliveries.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
	}
}

// APIClear records a full API cache invalidation.
func (r *Recorder) APIClear(ctx context.Context) {
	if r == nil {
		return
	}
	r.clears.Add(ctx, 1)
}

// Evicted records n evictions from the named cache.
func (r *Recorder) Evicted(ctx context.Context, cacheName string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.evictions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cache", cacheName)))
}
