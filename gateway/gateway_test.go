package gateway

import (
	"context"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

func invocation(callID, actorID, method string) *wire.Envelope {
	env := wire.NewInvocationEnvelope(wire.Invocation{
		CallID:           callID,
		ActorID:          wire.NewActorID(actorID, "127.0.0.1", 7001),
		TargetIdentifier: method,
		Arguments:        [][]byte{[]byte(`"x"`)},
		ProtocolVersion:  wire.ProtocolVersion,
		Metadata:         map[string]string{},
	})
	return &env
}

type dispatchRecorder struct {
	mu    sync.Mutex
	calls []*wire.Envelope
}

func (d *dispatchRecorder) dispatch(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	d.mu.Lock()
	d.calls = append(d.calls, env)
	d.mu.Unlock()
	resp := wire.NewResponseEnvelope(env.Invocation.CallID, []byte(`"ok"`))
	return &resp, nil
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// innerRecorder stands in for the actor system behind a Front.
type innerRecorder struct {
	mu   sync.Mutex
	envs []*wire.Envelope
}

func (r *innerRecorder) Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	if env.Type == wire.TypeInvocation {
		resp := wire.NewResponseEnvelope(env.Invocation.CallID, []byte(`"ok"`))
		return &resp, nil
	}
	return nil, nil
}

func (r *innerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

type namedStage struct {
	name string
	fn   func(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error)
}

func (s *namedStage) Name() string { return s.name }

func (s *namedStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	return s.fn(ctx, env, bag, next)
}

func passStage(name string, mu *sync.Mutex, order *[]string) *namedStage {
	return &namedStage{name: name, fn: func(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return next(ctx)
	}}
}

func counterValue(t *testing.T, gatherer interface {
	Gather() ([]*dto.MetricFamily, error)
}, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := gatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestChainRunsStagesInOrderThenDispatches(t *testing.T) {
	var mu sync.Mutex
	var order []string
	chain := NewChain(
		passStage("first", &mu, &order),
		passStage("second", &mu, &order),
		passStage("third", &mu, &order),
	)
	rec := &dispatchRecorder{}

	resp, err := chain.Invoke(context.Background(), invocation("c-1", "echo-1", "greet"), &Bag{}, rec.dispatch)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, wire.TypeResponse, resp.Type)
	require.Equal(t, "c-1", resp.Response.CallID)
	require.Equal(t, []string{"first", "second", "third"}, order)
	require.Equal(t, 1, rec.count())
}

func TestChainHaltsOnFirstRejection(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reject := &namedStage{name: "reject", fn: func(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
		return nil, wire.Errorf(wire.KindValidationError, "not today")
	}}
	chain := NewChain(passStage("before", &mu, &order), reject, passStage("after", &mu, &order))
	rec := &dispatchRecorder{}

	resp, err := chain.Invoke(context.Background(), invocation("c-2", "echo-1", "greet"), &Bag{}, rec.dispatch)
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, resp.Type)
	require.NotNil(t, resp.Response.Error)
	require.Equal(t, wire.KindValidationError, resp.Response.Error.Kind)
	require.Equal(t, "c-2", resp.Response.CallID)
	require.Equal(t, []string{"before"}, order, "stages after the rejection must not run")
	require.Equal(t, 0, rec.count(), "rejected invocations must not reach dispatch")
}

func TestChainConvertsDispatchErrors(t *testing.T) {
	chain := NewChain()
	dispatch := func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		return nil, wire.NotFound(env.Invocation.ActorID.ID)
	}

	resp, err := chain.Invoke(context.Background(), invocation("c-3", "ghost-1", "greet"), &Bag{}, dispatch)
	require.NoError(t, err)
	require.Equal(t, wire.KindActorNotFound, resp.Response.Error.Kind)
	require.Equal(t, "c-3", resp.Response.CallID)
}

func TestFrontPassesStreamTrafficThrough(t *testing.T) {
	rejectAll := &namedStage{name: "reject", fn: func(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
		return nil, wire.Errorf(wire.KindValidationError, "nothing passes")
	}}
	inner := &innerRecorder{}
	front := NewFront(NewChain(rejectAll), inner)

	end := wire.NewStreamEndEnvelope("s-1", wire.EndCompleted)
	resp, err := front.Receive(context.Background(), &end, nil)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, 1, inner.count(), "stream control envelopes bypass the chain")
}

func TestFrontGatesInvocations(t *testing.T) {
	exporter := prommetrics.NewExporter("127.0.0.1:0")
	errorsBefore := counterValue(t, exporter.Registry(), "trebuchet_invocation_errors_total",
		map[string]string{"reason": "authenticationError"})
	authBefore := counterValue(t, exporter.Registry(), "trebuchet_auth_failures_total",
		map[string]string{"reason": "missing_credentials"})

	auth := NewAuthenticationStage(AuthConfig{
		JWT: &JWTConfig{Issuer: "https://issuer.test", HMACSecret: []byte("secret")},
	})
	inner := &innerRecorder{}
	front := NewFront(NewChain(auth), inner)

	resp, err := front.Receive(context.Background(), invocation("c-4", "counter-1", "increment"), nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	require.Equal(t, wire.KindAuthenticationError, resp.Response.Error.Kind)
	require.Equal(t, 0, inner.count(), "unauthenticated invocations must not reach the actor system")

	errorsAfter := counterValue(t, exporter.Registry(), "trebuchet_invocation_errors_total",
		map[string]string{"reason": "authenticationError"})
	authAfter := counterValue(t, exporter.Registry(), "trebuchet_auth_failures_total",
		map[string]string{"reason": "missing_credentials"})
	require.Equal(t, errorsBefore+1, errorsAfter)
	require.Equal(t, authBefore+1, authAfter)
}

func TestClientAddrContextRoundTrip(t *testing.T) {
	ctx := ContextWithClientAddr(context.Background(), "203.0.113.9:5512")
	require.Equal(t, "203.0.113.9:5512", ClientAddrFromContext(ctx))
	require.Equal(t, "", ClientAddrFromContext(context.Background()))
}
