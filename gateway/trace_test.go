package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/briannadoubt/trebuchet/wire"
)

func newTraceFixture(t *testing.T) (*tracetest.InMemoryExporter, *TracingStage) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp, NewTracingStage(tp)
}

func TestTracingStageSpansDispatch(t *testing.T) {
	exp, st := newTraceFixture(t)

	env := invocation("c-1", "counter-1", "increment")
	bag := &Bag{Principal: "alice"}

	var dispatchSC oteltrace.SpanContext
	resp, err := st.Handle(context.Background(), env, bag, func(ctx context.Context) (*wire.Envelope, error) {
		dispatchSC = oteltrace.SpanContextFromContext(ctx)
		r := wire.NewResponseEnvelope("c-1", []byte(`"ok"`))
		return &r, nil
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.True(t, dispatchSC.IsValid(), "dispatch must run inside the span")

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "gateway.invoke", span.Name)
	require.Equal(t, oteltrace.SpanKindServer, span.SpanKind)
	require.Equal(t, codes.Ok, span.Status.Code)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	require.Equal(t, "counter-1", attrs["trebuchet.actor"])
	require.Equal(t, "increment", attrs["trebuchet.method"])
	require.Equal(t, "alice", attrs["trebuchet.principal"])

	require.NotNil(t, env.Invocation.TraceContext, "trace context must travel with the envelope")
	require.Equal(t, span.SpanContext.TraceID().String(), env.Invocation.TraceContext.TraceID)
	require.Equal(t, span.SpanContext.TraceID().String(), bag.TraceID)
}

func TestTracingStageRecordsErrorResponses(t *testing.T) {
	exp, st := newTraceFixture(t)

	env := invocation("c-2", "counter-1", "increment")
	_, err := st.Handle(context.Background(), env, &Bag{}, func(ctx context.Context) (*wire.Envelope, error) {
		r := wire.NewErrorResponseEnvelope("c-2", wire.NewError(wire.KindHandlerError, "boom"))
		return &r, nil
	})
	require.NoError(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTracingStageContinuesRemoteParent(t *testing.T) {
	exp, st := newTraceFixture(t)

	env := invocation("c-3", "counter-1", "increment")
	env.Invocation.TraceContext = &wire.TraceContext{
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:  "00f067aa0ba902b7",
		Flags:   1,
	}

	_, err := st.Handle(context.Background(), env, &Bag{}, func(ctx context.Context) (*wire.Envelope, error) {
		return nil, nil
	})
	require.NoError(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	require.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}
