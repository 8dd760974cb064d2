package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestScoutMetrics_Records(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.IncRequestsTotal(ctx, "GET", "/ping", 200)
	m.ObserveRequestDuration(ctx, "GET", "/ping", 10*time.Millisecond)
	m.IncTasksAdmitted(ctx, 3)
	m.IncTaskTerminal(ctx, "SUCCEEDED", "")
	m.SetActiveWorkers(ctx, 4)
	m.IncPublishError(ctx, "task-events")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]metricdata.Aggregation)
	for _, md := range rm.ScopeMetrics[0].Metrics {
		names[md.Name] = md.Data
	}

	admitted, ok := names["tasks_admitted_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), admitted.DataPoints[0].Value)

	workers, ok := names["dispatch_workers"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(4), workers.DataPoints[0].Value)

	assert.Contains(t, names, "http_request_duration_seconds")
	assert.Contains(t, names, "publish_errors_total")
	assert.NotContains(t, names, "task_retries_total", "instruments without measurements are not exported")
}
