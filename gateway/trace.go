package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/briannadoubt/trebuchet/telemetry"
	"github.com/briannadoubt/trebuchet/wire"
)

// TracingStage wraps the downstream dispatch in a span. It runs last so
// the span covers only admitted traffic; rejected invocations show up in
// counter metrics instead.
type TracingStage struct {
	tracer trace.Tracer
}

// NewTracingStage builds the stage against tp, falling back to the global
// TracerProvider when tp is nil.
func NewTracingStage(tp trace.TracerProvider) *TracingStage {
	return &TracingStage{tracer: telemetry.Tracer(tp)}
}

func (s *TracingStage) Name() string { return "tracing" }

func (s *TracingStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	inv := env.Invocation
	if inv.TraceContext != nil {
		ctx = telemetry.ContextWithRemoteParent(ctx, inv.TraceContext)
	}

	attrs := []attribute.KeyValue{
		attribute.String("trebuchet.actor", inv.ActorID.ID),
		attribute.String("trebuchet.method", inv.TargetIdentifier),
		attribute.String("trebuchet.call_id", inv.CallID),
	}
	if bag.Principal != "" {
		attrs = append(attrs, attribute.String("trebuchet.principal", bag.Principal))
	}
	ctx, span := s.tracer.Start(ctx, "gateway.invoke",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	defer span.End()

	// Downstream hops and the response both continue this span. A noop
	// tracer yields no context; the inbound one then stays in place.
	if tc := telemetry.WireFromSpan(span); tc != nil {
		inv.TraceContext = tc
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		bag.TraceID = sc.TraceID().String()
	}

	resp, err := next(ctx)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil && resp.Type == wire.TypeResponse && resp.Response != nil && resp.Response.Error != nil:
		span.SetAttributes(attribute.String("trebuchet.error_kind", string(resp.Response.Error.Kind)))
		span.SetStatus(codes.Error, resp.Response.Error.Message)
	default:
		span.SetStatus(codes.Ok, "")
	}
	return resp, err
}
