// Package logger provides structured logging for the trebuchet runtime.
package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyCallID identifies the invocation being processed.
	ContextKeyCallID contextKey = "call_id"

	// ContextKeyActorID identifies the target actor.
	ContextKeyActorID contextKey = "actor_id"

	// ContextKeyMethod identifies the invoked method.
	ContextKeyMethod contextKey = "method"

	// ContextKeyStreamID identifies the stream a record belongs to.
	ContextKeyStreamID contextKey = "stream_id"

	// ContextKeyConnectionID identifies a push-fabric connection.
	ContextKeyConnectionID contextKey = "connection_id"

	// ContextKeyComponent identifies the runtime component emitting the record.
	ContextKeyComponent contextKey = "component"

	// ContextKeyPrincipal identifies the authenticated caller.
	ContextKeyPrincipal contextKey = "principal"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeyCallID,
	ContextKeyActorID,
	ContextKeyMethod,
	ContextKeyStreamID,
	ContextKeyConnectionID,
	ContextKeyComponent,
	ContextKeyPrincipal,
}

// WithCallID returns a new context with the call ID set.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ContextKeyCallID, callID)
}

// WithActorID returns a new context with the actor ID set.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

// WithMethod returns a new context with the method name set.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, ContextKeyMethod, method)
}

// WithStreamID returns a new context with the stream ID set.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, ContextKeyStreamID, streamID)
}

// WithConnectionID returns a new context with the connection ID set.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, connectionID)
}

// WithComponent returns a new context with the component name set.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ContextKeyComponent, component)
}

// WithPrincipal returns a new context with the authenticated principal set.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, principal)
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// This is a convenience function for setting multiple fields in one call.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.CallID != "" {
		ctx = WithCallID(ctx, fields.CallID)
	}
	if fields.ActorID != "" {
		ctx = WithActorID(ctx, fields.ActorID)
	}
	if fields.Method != "" {
		ctx = WithMethod(ctx, fields.Method)
	}
	if fields.StreamID != "" {
		ctx = WithStreamID(ctx, fields.StreamID)
	}
	if fields.ConnectionID != "" {
		ctx = WithConnectionID(ctx, fields.ConnectionID)
	}
	if fields.Component != "" {
		ctx = WithComponent(ctx, fields.Component)
	}
	if fields.Principal != "" {
		ctx = WithPrincipal(ctx, fields.Principal)
	}
	return ctx
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	CallID       string
	ActorID      string
	Method       string
	StreamID     string
	ConnectionID string
	Component    string
	Principal    string
}

// ExtractLoggingFields extracts all logging fields from a context.
// Returns a LoggingFields struct with all values found in the context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyCallID); v != nil {
		fields.CallID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyActorID); v != nil {
		fields.ActorID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyMethod); v != nil {
		fields.Method, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyStreamID); v != nil {
		fields.StreamID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyConnectionID); v != nil {
		fields.ConnectionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyComponent); v != nil {
		fields.Component, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyPrincipal); v != nil {
		fields.Principal, _ = v.(string)
	}
	return fields
}
