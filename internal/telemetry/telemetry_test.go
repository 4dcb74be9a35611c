package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "test"}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.Empty(t, TraceFields(ctx))
}

func TestSetupEnabledInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(context.Background(), Config{ServiceName: "test", Enabled: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	fields := TraceFields(ctx)
	require.Len(t, fields, 2)
	require.Equal(t, "trace_id", fields[0].Key)
	require.Equal(t, span.SpanContext().TraceID().String(), fields[0].String)
}

func TestTraceFieldsFromRecordedSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "discovery.run")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	require.Equal(t, "discovery.run", recorder.Ended()[0].Name())
	require.Len(t, TraceFields(ctx), 2)
	require.Empty(t, TraceFields(context.Background()))
}
