package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, Option) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	return recorder, TracerOption(provider.Tracer(tracerName))
}

func attributeValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_Connect(t *testing.T) {
	recorder, tracer := newRecorder(t)
	connectMock(t, tracer)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "nats.connect", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	serverID, ok := attributeValue(spans[0], "nats.server_id")
	require.True(t, ok)
	assert.Equal(t, "X", serverID.AsString())
}

func TestTracing_ConnectRejected(t *testing.T) {
	recorder, tracer := newRecorder(t)

	s := newMockStream(testInfo, "-ERR 'Authorization Violation'")
	_, err := Connect(s, testOptions(t), LoggerOption(discardLogger()), tracer)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Status().Description, "authorization violation")
}

func TestTracing_Request(t *testing.T) {
	recorder, tracer := newRecorder(t)
	c, s := connectMock(t, tracer)
	s.onWrite = replyOnPublish("pong")

	require.NoError(t, c.Request("FOO", []byte("ping"), nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	span := spans[1]
	assert.Equal(t, "nats.request", span.Name())

	subject, ok := attributeValue(span, "nats.subject")
	require.True(t, ok)
	assert.Equal(t, "FOO", subject.AsString())

	size, ok := attributeValue(span, "nats.payload_size")
	require.True(t, ok)
	assert.Equal(t, int64(4), size.AsInt64())
}
