package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "nexus", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are no-ops but must not panic.
	ctx, done := p.TrackExecution(context.Background())
	p.Event(ctx, "screened")
	p.RecordAppend(ctx)
	done("SUCCESS", nil)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				out[status.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTrackExecution(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)

	ctx, done := p.TrackExecution(context.Background(), attribute.String("kernel", "test"))
	p.Event(ctx, "screened")
	p.RecordAppend(ctx)
	done("SUCCESS", nil)

	_, done = p.TrackExecution(context.Background())
	done("BLOCKED", nil)

	_, done = p.TrackExecution(context.Background())
	done("ERROR", errors.New("boom"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	require.Equal(t, map[string]int64{"SUCCESS": 1, "BLOCKED": 1, "ERROR": 1}, sumFor(t, rm, "nexus.outcomes.total"))
	require.Equal(t, map[string]int64{"": 1}, sumFor(t, rm, "nexus.ledger.appends.total"))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "nexus.execute", spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	require.Equal(t, "screened", spans[0].Events()[0].Name)
	require.Len(t, spans[2].Events(), 1, "error is recorded as an exception event")
}
