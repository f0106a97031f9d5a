package actor

import (
	"context"

	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// Ref is a callable reference to an actor. Local and remote references
// share this surface; callers cannot tell them apart.
type Ref interface {
	ActorID() wire.ActorID

	// Invoke runs one method and returns its encoded result.
	Invoke(ctx context.Context, method string, args ...[]byte) ([]byte, error)

	// InvokeGeneric is Invoke with generic substitutions attached.
	InvokeGeneric(ctx context.Context, method string, generics []string, args [][]byte) ([]byte, error)

	// Observe subscribes to a streamed property. The stream yields the
	// current value first, then every change in write order.
	Observe(ctx context.Context, property string, opts ...ObserveOption) (*stream.ClientStream, error)
}

// ObserveOption configures one subscription.
type ObserveOption func(*observeConfig)

type observeConfig struct {
	filter  *wire.StreamFilter
	noDelta bool
}

// WithFilter attaches a server-side stream filter to the subscription.
func WithFilter(f *wire.StreamFilter) ObserveOption {
	return func(c *observeConfig) {
		c.filter = f
	}
}

// WithoutDelta forces complete values even when the peer negotiates
// delta framing.
func WithoutDelta() ObserveOption {
	return func(c *observeConfig) {
		c.noDelta = true
	}
}

func newObserveConfig(opts []ObserveOption) observeConfig {
	var cfg observeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// localRef calls an actor on this system directly, skipping the wire but
// keeping the serial mailbox discipline.
type localRef struct {
	sys *System
	id  wire.ActorID
	m   *mailbox
}

func (r *localRef) ActorID() wire.ActorID {
	return r.id
}

func (r *localRef) Invoke(ctx context.Context, method string, args ...[]byte) ([]byte, error) {
	return r.InvokeGeneric(ctx, method, nil, args)
}

func (r *localRef) InvokeGeneric(ctx context.Context, method string, generics []string, args [][]byte) ([]byte, error) {
	inv := wire.Invocation{
		CallID:               wire.NewCallID(),
		ActorID:              r.id,
		TargetIdentifier:     method,
		GenericSubstitutions: generics,
		Arguments:            args,
		ProtocolVersion:      r.sys.versions.Max,
	}
	resp := r.sys.dispatch(ctx, &inv)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (r *localRef) Observe(ctx context.Context, property string, opts ...ObserveOption) (*stream.ClientStream, error) {
	return r.sys.observeLocal(ctx, r.m, r.id, property, newObserveConfig(opts))
}

// proxyRef synthesizes invocation envelopes for an actor on another node.
type proxyRef struct {
	sys *System
	id  wire.ActorID
}

func (r *proxyRef) ActorID() wire.ActorID {
	return r.id
}

func (r *proxyRef) Invoke(ctx context.Context, method string, args ...[]byte) ([]byte, error) {
	return r.sys.remoteInvoke(ctx, r.id, method, nil, args)
}

func (r *proxyRef) InvokeGeneric(ctx context.Context, method string, generics []string, args [][]byte) ([]byte, error) {
	return r.sys.remoteInvoke(ctx, r.id, method, generics, args)
}

func (r *proxyRef) Observe(ctx context.Context, property string, opts ...ObserveOption) (*stream.ClientStream, error) {
	return r.sys.observeRemote(ctx, r.id, property, newObserveConfig(opts))
}
