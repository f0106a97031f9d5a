package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/briannadoubt/trebuchet/wire"
)

// traceparentRe validates the W3C Trace Context traceparent header format:
// version-trace_id-parent_id-trace_flags (e.g., 00-<32 hex>-<16 hex>-<2 hex>).
var traceparentRe = regexp.MustCompile(`^[0-9a-f]{2}-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)

// FormatTraceparent renders an envelope trace context as a W3C traceparent
// header value.
func FormatTraceparent(tc wire.TraceContext) string {
	return fmt.Sprintf("00-%s-%s-%02x", tc.TraceID, tc.SpanID, tc.Flags)
}

// ParseTraceparent parses a W3C traceparent header value into an envelope
// trace context. ok is false for malformed values.
func ParseTraceparent(header string) (wire.TraceContext, bool) {
	if !traceparentRe.MatchString(header) {
		return wire.TraceContext{}, false
	}

	var version, traceID, spanID string
	var flags uint8
	if _, err := fmt.Sscanf(header, "%2s-%32s-%16s-%02x", &version, &traceID, &spanID, &flags); err != nil {
		return wire.TraceContext{}, false
	}

	return wire.TraceContext{
		TraceID: traceID,
		SpanID:  spanID,
		Flags:   flags,
	}, true
}

// SpanContextFrom converts an envelope trace context into a remote OTel
// span context. Spans started under it inherit the traceID and parent to
// the envelope's spanID, which keeps traces continuous across the wire.
// Invalid identifiers yield an empty span context.
func SpanContextFrom(tc *wire.TraceContext) trace.SpanContext {
	if tc == nil {
		return trace.SpanContext{}
	}

	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return trace.SpanContext{}
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(tc.Flags),
		Remote:     true,
	})
}

// ContextWithRemoteParent attaches the envelope trace context to ctx as a
// remote parent, so the next span started from ctx continues the caller's
// trace. A nil or invalid trace context leaves ctx unchanged.
func ContextWithRemoteParent(ctx context.Context, tc *wire.TraceContext) context.Context {
	sc := SpanContextFrom(tc)
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// WireFromSpan captures the span's identifiers as an envelope trace context
// for outbound propagation; the receiver parents its span to this spanID.
// Returns nil when the span does not carry a valid context.
func WireFromSpan(span trace.Span) *wire.TraceContext {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	tc := &wire.TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Flags:   uint8(sc.TraceFlags()),
	}
	return tc
}

// ExtractHTTP reads a traceparent header from an inbound HTTP request.
// Invalid values are silently discarded.
func ExtractHTTP(r *http.Request) *wire.TraceContext {
	tp := r.Header.Get("traceparent")
	if tp == "" {
		return nil
	}
	tc, ok := ParseTraceparent(tp)
	if !ok {
		return nil
	}
	return &tc
}

// InjectHTTP writes the active trace context from ctx onto an outbound HTTP
// request using the configured global propagator.
func InjectHTTP(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// TraceMiddleware extracts the traceparent header from inbound requests and
// attaches it to the request context as a remote parent.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tc := ExtractHTTP(r); tc != nil {
			r = r.WithContext(ContextWithRemoteParent(r.Context(), tc))
		}
		next.ServeHTTP(w, r)
	})
}
