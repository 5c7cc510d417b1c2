package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

// TestBroadcastIsTraced tests that every fan-out is recorded as a span on
// the tracer provider given to the relay.
func TestBroadcastIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	relay, err := New(testConfig("text"), WithLogger(testutil.Logger()), WithTracerProvider(provider))
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(func() { _ = relay.Stop() })

	alice := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	bob := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	waitForClients(t, relay, 2)

	m := testutil.Message("alice", "traced")
	alice.Send(m)
	require.Equal(t, m, bob.Receive())
	require.Equal(t, m, alice.Receive())

	var spans []sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		spans = recorder.Ended()
		return len(spans) == 1
	}, time.Second, 5*time.Millisecond)

	span := spans[0]
	require.Equal(t, "relay.broadcast", span.Name())
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "alice", attrs["chat.sender_id"].AsString())
	require.Equal(t, "text", attrs["chat.codec"].AsString())
	require.Equal(t, int64(2), attrs["chat.recipients"].AsInt64())
	require.Equal(t, int64(2), attrs["chat.delivered"].AsInt64())
}

// TestBroadcastUnencodableSpanIsError tests that a message the codec
// refuses marks its span as failed.
func TestBroadcastUnencodableSpanIsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	relay, err := New(testConfig("text"), WithLogger(testutil.Logger()), WithTracerProvider(provider))
	require.NoError(t, err)
	require.Zero(t, relay.Registry().Broadcast(testutil.Message("bad|sender", "x")))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1, "the encode error is recorded")
}
