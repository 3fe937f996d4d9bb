package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/smallbiznis/carebill/pkg/telemetry/correlation"
)

func TestCorrelationSpanProcessorTagsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(correlationSpanProcessor{}),
		sdktrace.WithSpanProcessor(recorder),
	)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-1")
	_, span := tp.Tracer("test").Start(ctx, "op")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	var found bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "correlation_id" {
			found = true
			assert.Equal(t, "cid-1", attr.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestNewProviderDisabledNeedsNoExporter(t *testing.T) {
	tp, err := NewProvider(nil, Config{Enabled: false, ServiceName: "carebill"}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	_, err := newExporter("carrier-pigeon", "localhost:4317")
	assert.Error(t, err)
}
