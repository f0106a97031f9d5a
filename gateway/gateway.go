// Package gateway gates inbound invocations before they reach the actor
// system. Admission runs through an ordered stage chain (validation, rate
// limiting, authentication, authorization, tracing); the first stage to
// object stops the chain and its error is returned to the caller as a
// typed error response. Stages share a Bag that accumulates what the chain
// learns about the invocation, and the whole chain can be assembled from a
// YAML policy document.
package gateway

import (
	"context"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// Bag accumulates what the chain learns about one invocation. Stages write
// the fields their successors read: authentication fills Principal, Roles
// and Claims, tracing fills TraceID.
type Bag struct {
	// ClientAddr is the remote host:port when the transport recorded one.
	ClientAddr string

	// ProtocolVersion is the envelope protocol version the caller sent.
	ProtocolVersion int

	// Principal is the authenticated subject. Empty until the
	// authentication stage accepts a credential.
	Principal string

	// Roles are the role claims granted to the principal.
	Roles []string

	// AuthMethod names the accepted credential type: bearer, apiKey or
	// basic.
	AuthMethod string

	// Claims holds the verified token claims for bearer principals.
	Claims map[string]any

	// TraceID is the hex trace ID of the span covering this invocation.
	TraceID string
}

// HasRole reports whether the principal carries the given role.
func (b *Bag) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Next resumes the chain from the following stage. The context it receives
// replaces the one the remaining stages and the dispatch run under.
type Next func(ctx context.Context) (*wire.Envelope, error)

// Dispatch forwards an admitted invocation to the downstream runtime.
type Dispatch func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)

// Stage is one gate in the admission chain. A stage either returns an
// error, which stops the chain, or calls next to pass the invocation on.
// Stages that wrap downstream work (tracing) run code on both sides of the
// next call.
type Stage interface {
	Name() string
	Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error)
}

// Chain executes stages in order in front of a dispatch function.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain that runs the given stages in order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, st := range c.stages {
		names[i] = st.Name()
	}
	return names
}

// Invoke runs env through every stage and then hands it to dispatch. A
// rejection anywhere in the chain is converted into an error response
// envelope carrying the canonical kind; admitted envelopes return whatever
// dispatch produced.
func (c *Chain) Invoke(ctx context.Context, env *wire.Envelope, bag *Bag, dispatch Dispatch) (*wire.Envelope, error) {
	var run func(ctx context.Context, i int) (*wire.Envelope, error)
	run = func(ctx context.Context, i int) (*wire.Envelope, error) {
		if i >= len(c.stages) {
			return dispatch(ctx, env)
		}
		return c.stages[i].Handle(ctx, env, bag, func(ctx context.Context) (*wire.Envelope, error) {
			return run(ctx, i+1)
		})
	}

	resp, err := run(ctx, 0)
	if err == nil {
		return resp, nil
	}

	werr := wire.FromError(err)
	prommetrics.RecordInvocationError(string(werr.Kind))
	logger.WarnContext(ctx, "invocation rejected",
		"kind", string(werr.Kind),
		"callID", env.Invocation.CallID,
		"actorID", env.Invocation.ActorID.ID,
		"method", env.Invocation.TargetIdentifier,
		"error", err)
	reject := wire.NewErrorResponseEnvelope(env.Invocation.CallID, werr)
	return &reject, nil
}

// Downstream is where admitted invocations go, the actor system in
// production.
type Downstream interface {
	Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error)
}

// Front places an admission chain in front of a downstream receiver. It
// satisfies the transport Handler contract, so any server surface can use
// it in place of the bare actor system.
type Front struct {
	chain *Chain
	inner Downstream
}

// NewFront wires a chain in front of inner.
func NewFront(chain *Chain, inner Downstream) *Front {
	return &Front{chain: chain, inner: inner}
}

// Receive gates invocation envelopes through the chain. Stream control
// traffic passes straight through: it carries no credentials or arguments
// and is correlated to streams the chain already admitted.
func (f *Front) Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
	if env.Type != wire.TypeInvocation || env.Invocation == nil {
		return f.inner.Receive(ctx, env, sink)
	}
	bag := &Bag{
		ClientAddr:      ClientAddrFromContext(ctx),
		ProtocolVersion: env.Invocation.ProtocolVersion,
	}
	return f.chain.Invoke(ctx, env, bag, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		return f.inner.Receive(ctx, env, sink)
	})
}

type clientAddrKey struct{}

// ContextWithClientAddr records the remote peer address for rate-limit
// keying of unauthenticated traffic.
func ContextWithClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrKey{}, addr)
}

// ClientAddrFromContext returns the recorded peer address, or "" when the
// transport did not supply one.
func ClientAddrFromContext(ctx context.Context) string {
	if addr, ok := ctx.Value(clientAddrKey{}).(string); ok {
		return addr
	}
	return ""
}
