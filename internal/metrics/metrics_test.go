package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestRecorder_Counts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	r, err := New(provider.Meter(MeterName))
	require.NoError(t, err)

	ctx := context.Background()
	r.Lookup(ctx, "api", true)
	r.Lookup(ctx, "api", false)
	r.Prefetch(ctx, OutcomeDone)
	r.Deliveries(ctx, 2, 1)
	r.APIClear(ctx)
	r.Evicted(ctx, "audio-cache", 3)
	r.Evicted(ctx, "audio-cache", 0)

	totals := collect(t, reader)
	require.Equal(t, int64(2), totals["cache.lookups"])
	require.Equal(t, int64(1), totals["audio.prefetch.finished"])
	require.Equal(t, int64(3), totals["broadcast.deliveries"])
	require.Equal(t, int64(1), totals["api.cache.clears"])
	require.Equal(t, int64(3), totals["cache.evictions"])
}

func TestRecorder_NilAndNoopAreSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.Lookup(ctx, "audio", true)
	r.Prefetch(ctx, OutcomeFailed)
	r.Deliveries(ctx, 1, 1)
	r.APIClear(ctx)
	r.Evicted(ctx, "x", 1)

	n := Noop()
	require.NotNil(t, n)
	n.Lookup(ctx, "audio", false)
}
