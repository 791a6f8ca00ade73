package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/platinummonkey/tokenmeter/pkg/contextkeys"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NewLogger(InfoLevel, &bytes.Buffer{}))

	assert.NoError(t, err)
	assert.Nil(t, providers)
}

func TestInitOTel_UnreachableCollector(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	// Exporters dial lazily; creation succeeds without a collector
	providers, err := InitOTel(context.Background(), OTelConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "tokenmeter",
		ServiceVersion: "test",
		Insecure:       true,
		SampleRatio:    0.5,
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ShutdownOTel(ctx, providers, logger)
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	assert.NoError(t, ShutdownOTel(context.Background(), nil, NewLogger(InfoLevel, &bytes.Buffer{})))
}

func TestUpdateLoggerWithTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())

	t.Run("no span", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(InfoLevel, &buf)

		UpdateLoggerWithTraceContext(context.Background(), logger).Info("plain")

		assert.NotContains(t, buf.String(), "trace_id")
	})

	t.Run("recording span", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(InfoLevel, &buf)
		ctx, span := tp.Tracer("test").Start(context.Background(), "consume")
		defer span.End()

		UpdateLoggerWithTraceContext(ctx, logger).Info("traced")

		assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
		assert.Contains(t, buf.String(), "span_id")
	})

	t.Run("from context", func(t *testing.T) {
		var buf bytes.Buffer
		ctx, span := tp.Tracer("test").Start(context.Background(), "summary")
		defer span.End()
		ctx = WithLogger(contextkeys.WithRequestID(ctx, "req-1"), NewLogger(InfoLevel, &buf))

		FromContext(ctx).Info("traced")

		assert.Contains(t, buf.String(), "req-1")
		assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	})
}
