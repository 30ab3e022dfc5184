package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithExporterRecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("flowspec", "test", exporter, false)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "RecordOutcome")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "RecordOutcome", spans[0].Name)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracingWritesJSON(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracing("flowspec", "test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Publish")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"Publish"`)
}

func TestInitTracingNilWriterIsNoop(t *testing.T) {
	shutdown, err := InitTracing("flowspec", "test", nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
