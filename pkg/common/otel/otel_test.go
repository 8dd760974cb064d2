package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/pkg/common/logger"
)

func TestInitTelemetryDisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	tp, teardown, err := InitTelemetry(logger.Noop(), Config{ServiceName: "scout"})
	require.NoError(t, err)
	require.NotNil(t, tp)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, defaultTraceID, GetTraceID(ctx))
	teardown(context.Background())
}

func TestEndpointExcluder(t *testing.T) {
	t.Parallel()

	sampler := newEndpointExcluder(map[string]struct{}{"/api/v1/ping": {}}, 1)

	tests := []struct {
		name string
		path string
		want sdktrace.SamplingDecision
	}{
		{name: "excluded route dropped", path: "/api/v1/ping", want: sdktrace.Drop},
		{name: "other route sampled", path: "/api/v1/order", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := sampler.ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       trace.TraceID{1},
				Name:          "GET",
				Attributes:    []attribute.KeyValue{attribute.String("url.path", tt.path)},
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestTracerFromContext(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, TracerFromContext(context.Background()))

	tracer := NoOpTracer()
	ctx := InjectTracing(context.Background(), tracer)
	assert.Equal(t, tracer, TracerFromContext(ctx))
}
