package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderInstallsGlobalProvider(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "gridcrawler", Instance: "node-a", Processors: []sdktrace.SpanProcessor{rec}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "op")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name())
	attrs := spans[0].Resource().Attributes()
	assert.Contains(t, attrs, attribute.String("service.name", "gridcrawler"))
	assert.Contains(t, attrs, attribute.String("service.instance.id", "node-a"))
}
