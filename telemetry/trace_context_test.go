package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/briannadoubt/trebuchet/wire"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
)

func TestTraceparentRoundTrip(t *testing.T) {
	tc := wire.TraceContext{TraceID: testTraceID, SpanID: testSpanID, Flags: 1}

	header := FormatTraceparent(tc)
	assert.Equal(t, "00-"+testTraceID+"-"+testSpanID+"-01", header)

	parsed, ok := ParseTraceparent(header)
	require.True(t, ok)
	assert.Equal(t, tc, parsed)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	for _, header := range []string{
		"",
		"00-short-span-01",
		"00-" + testTraceID + "-" + testSpanID,     // missing flags
		"zz-" + testTraceID + "-" + testSpanID + "-01", // bad version chars
	} {
		_, ok := ParseTraceparent(header)
		assert.False(t, ok, "expected %q to be rejected", header)
	}
}

func TestSpanContextFrom(t *testing.T) {
	sc := SpanContextFrom(&wire.TraceContext{TraceID: testTraceID, SpanID: testSpanID, Flags: 1})
	require.True(t, sc.IsValid())
	assert.Equal(t, testTraceID, sc.TraceID().String())
	assert.Equal(t, testSpanID, sc.SpanID().String())
	assert.True(t, sc.IsRemote())

	assert.False(t, SpanContextFrom(nil).IsValid())
	assert.False(t, SpanContextFrom(&wire.TraceContext{TraceID: "nope", SpanID: testSpanID}).IsValid())
}

func TestRemoteParentContinuesTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inbound := &wire.TraceContext{TraceID: testTraceID, SpanID: testSpanID, Flags: 1}
	ctx := ContextWithRemoteParent(context.Background(), inbound)

	_, span := Tracer(tp).Start(ctx, "dispatch")
	defer span.End()

	sc := span.SpanContext()
	assert.Equal(t, testTraceID, sc.TraceID().String(), "child span must stay on the caller's trace")
	assert.NotEqual(t, testSpanID, sc.SpanID().String(), "child span must get its own spanID")

	outbound := WireFromSpan(span)
	require.NotNil(t, outbound)
	assert.Equal(t, testTraceID, outbound.TraceID)
	assert.Equal(t, sc.SpanID().String(), outbound.SpanID)
}

func TestWireFromSpanInvalid(t *testing.T) {
	assert.Nil(t, WireFromSpan(trace.SpanFromContext(context.Background())))
}

func TestExtractHTTP(t *testing.T) {
	r := httptest.NewRequest("POST", "/invoke", nil)
	r.Header.Set("traceparent", "00-"+testTraceID+"-"+testSpanID+"-01")

	tc := ExtractHTTP(r)
	require.NotNil(t, tc)
	assert.Equal(t, testTraceID, tc.TraceID)
	assert.Equal(t, testSpanID, tc.SpanID)

	r.Header.Set("traceparent", "garbage")
	assert.Nil(t, ExtractHTTP(r))
}
