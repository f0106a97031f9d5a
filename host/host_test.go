package host

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/actor"
	"github.com/briannadoubt/trebuchet/gateway"
	"github.com/briannadoubt/trebuchet/transport"
	"github.com/briannadoubt/trebuchet/wire"
)

// echoActor answers greet with a greeting.
type echoActor struct{}

func (echoActor) Invoke(_ context.Context, call actor.Call) ([]byte, error) {
	if call.Method == "greet" {
		var name string
		if err := call.DecodeArg(0, &name); err != nil {
			return nil, err
		}
		return json.Marshal("Hello, " + name + "!")
	}
	return nil, actor.ErrUnknownMethod
}

// slowpoke blocks every invocation until release closes or the call context
// ends. started receives one token per invocation entering the handler.
type slowpoke struct {
	started chan struct{}
	release chan struct{}
}

func newSlowpoke(capacity int) *slowpoke {
	return &slowpoke{
		started: make(chan struct{}, capacity),
		release: make(chan struct{}),
	}
}

func (s *slowpoke) Invoke(ctx context.Context, _ actor.Call) ([]byte, error) {
	s.started <- struct{}{}
	select {
	case <-s.release:
		return json.Marshal("done")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tickerActor streams observeCount. bump publishes once, holds until the
// hold channel closes, then publishes again so one update lands while the
// host is already draining.
type tickerActor struct {
	props   *actor.Properties
	count   *actor.Property
	n       int
	started chan struct{}
	hold    chan struct{}
}

func newTickerActor() *tickerActor {
	props := actor.NewProperties()
	return &tickerActor{
		props:   props,
		count:   props.New("observeCount", []byte(`0`)),
		started: make(chan struct{}, 1),
		hold:    make(chan struct{}),
	}
}

func (a *tickerActor) Properties() *actor.Properties { return a.props }

func (a *tickerActor) Invoke(ctx context.Context, call actor.Call) ([]byte, error) {
	if call.Method != "bump" {
		return nil, actor.ErrUnknownMethod
	}
	a.n++
	if err := a.count.Set(a.n); err != nil {
		return nil, err
	}
	a.started <- struct{}{}
	select {
	case <-a.hold:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.n++
	if err := a.count.Set(a.n); err != nil {
		return nil, err
	}
	return json.Marshal(a.n)
}

func invocationEnv(callID, actorID, method string, args ...string) wire.Envelope {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return wire.NewInvocationEnvelope(wire.Invocation{
		CallID:           callID,
		ActorID:          wire.NewActorID(actorID, "127.0.0.1", 7100),
		TargetIdentifier: method,
		Arguments:        raw,
		ProtocolVersion:  wire.ProtocolVersion,
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func closeHost(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.Close(ctx)
}

func receiveStream(t *testing.T, c *transport.StreamClient) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := c.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestHostServesOverHTTP(t *testing.T) {
	h := NewHost(actor.NewSystem(), WithHTTPAddr("127.0.0.1:0"))
	require.NoError(t, h.Expose("echo-1", echoActor{}))
	require.NoError(t, h.Start())
	t.Cleanup(func() { closeHost(t, h) })

	require.Equal(t, StateRunning, h.State())
	base := "http://" + h.HTTPAddr()
	client := transport.NewHTTPClient(transport.Config{})
	ctx := testContext(t)

	resp, err := client.Invoke(ctx, base, invocationEnv("c-1", "echo-1", "greet", `"Ada"`))
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, resp.Type)
	require.Nil(t, resp.Response.Error)
	assert.JSONEq(t, `"Hello, Ada!"`, string(resp.Response.Result))

	doc, err := client.HealthURL(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusHealthy, doc.Status)
	assert.Zero(t, doc.InflightRequests)
}

func TestHostRefusesBeforeStart(t *testing.T) {
	h := NewHost(actor.NewSystem())
	env := invocationEnv("c-1", "echo-1", "greet", `"x"`)

	resp, err := h.Receive(context.Background(), &env, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, wire.KindServerDraining, resp.Response.Error.Kind)
	assert.Equal(t, "c-1", resp.Response.CallID)
}

func TestHostStartIsOneShot(t *testing.T) {
	h := NewHost(actor.NewSystem())
	require.NoError(t, h.Start())
	t.Cleanup(func() { closeHost(t, h) })

	err := h.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestHostRejectsChainAndPolicyTogether(t *testing.T) {
	p, err := gateway.ParsePolicy([]byte("{}"))
	require.NoError(t, err)

	h := NewHost(actor.NewSystem(),
		WithGateway(gateway.NewChain()),
		WithPolicy(p))
	err = h.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
	assert.Equal(t, StateNew, h.State())
}

func TestHostDrainLifecycle(t *testing.T) {
	tick := newTickerActor()
	h := NewHost(actor.NewSystem(),
		WithStreamAddr("127.0.0.1:0"),
		WithHTTPAddr("127.0.0.1:0"))
	require.NoError(t, h.Expose("counter-1", tick))
	require.NoError(t, h.Start())
	t.Cleanup(func() { closeHost(t, h) })

	ctx := testContext(t)
	base := "http://" + h.HTTPAddr()
	httpc := transport.NewHTTPClient(transport.Config{})

	// Subscribe over the stream transport and read the snapshot.
	sc := transport.NewStreamClient(h.StreamAddr(), transport.Config{})
	require.NoError(t, sc.Connect(ctx))
	t.Cleanup(func() { _ = sc.Close() })

	// Version 1 streams travel unframed, so payloads assert directly.
	obs := wire.NewInvocationEnvelope(wire.Invocation{
		CallID:           "c-obs",
		ActorID:          wire.NewActorID("counter-1", "127.0.0.1", 7100),
		TargetIdentifier: "observeCount",
		ProtocolVersion:  wire.MinProtocolVersion,
	})
	require.NoError(t, sc.Send(ctx, obs))

	start := receiveStream(t, sc)
	require.Equal(t, wire.TypeStreamStart, start.Type)
	assert.Equal(t, "c-obs", start.StreamStart.CallID)

	snapshot := receiveStream(t, sc)
	require.Equal(t, wire.TypeStreamData, snapshot.Type)
	assert.Equal(t, uint64(1), snapshot.StreamData.SequenceNumber)
	assert.JSONEq(t, `0`, string(snapshot.StreamData.Data))

	// A bump that publishes once and then holds keeps the host busy.
	bumpResp := make(chan *wire.Envelope, 1)
	go func() {
		resp, err := httpc.Invoke(ctx, base, invocationEnv("c-bump", "counter-1", "bump"))
		if err != nil {
			t.Error("bump invoke failed:", err)
		}
		bumpResp <- resp
	}()
	<-tick.started

	update := receiveStream(t, sc)
	require.Equal(t, wire.TypeStreamData, update.Type)
	assert.Equal(t, uint64(2), update.StreamData.SequenceNumber)
	assert.JSONEq(t, `1`, string(update.StreamData.Data))

	drainDone := make(chan error, 1)
	go func() { drainDone <- h.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return h.State() == StateDraining },
		2*time.Second, 5*time.Millisecond)

	// The health document reports draining while the call is in flight.
	doc, err := httpc.HealthURL(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusDraining, doc.Status)
	assert.Equal(t, int64(1), doc.InflightRequests)
	assert.Equal(t, 1, doc.ActiveStreams)

	// New invocations are refused with a retryable serverDraining error.
	refused, err := httpc.Invoke(ctx, base, invocationEnv("c-late", "counter-1", "bump"))
	require.NoError(t, err)
	require.NotNil(t, refused.Response.Error)
	assert.Equal(t, wire.KindServerDraining, refused.Response.Error.Kind)
	assert.True(t, refused.Response.Error.Retryable)
	assert.Equal(t, "c-late", refused.Response.CallID)

	// Releasing the bump publishes once more; the established stream still
	// delivers while the host drains.
	close(tick.hold)

	during := receiveStream(t, sc)
	require.Equal(t, wire.TypeStreamData, during.Type)
	assert.Equal(t, uint64(3), during.StreamData.SequenceNumber)
	assert.JSONEq(t, `2`, string(during.StreamData.Data))

	end := receiveStream(t, sc)
	require.Equal(t, wire.TypeStreamEnd, end.Type)
	assert.Equal(t, wire.EndActorTerminated, end.StreamEnd.Reason)
	assert.Equal(t, start.StreamStart.StreamID, end.StreamEnd.StreamID)

	require.NoError(t, <-drainDone)
	assert.Equal(t, StateStopped, h.State())

	resp := <-bumpResp
	require.NotNil(t, resp)
	require.Nil(t, resp.Response.Error)
	assert.JSONEq(t, `2`, string(resp.Response.Result))

	// The listeners are down.
	shortCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = httpc.HealthURL(shortCtx, base)
	require.Error(t, err)
}

func TestHostDrainDeadlineCancelsStragglers(t *testing.T) {
	clk := clockwork.NewFakeClock()
	slow := newSlowpoke(1)
	h := NewHost(actor.NewSystem(),
		WithClock(clk),
		WithDrainTimeout(5*time.Second))
	require.NoError(t, h.Expose("slow-1", slow))
	require.NoError(t, h.Start())

	respCh := make(chan *wire.Envelope, 1)
	go func() {
		env := invocationEnv("c-slow", "slow-1", "nap")
		resp, _ := h.Receive(context.Background(), &env, nil)
		respCh <- resp
	}()
	<-slow.started
	require.Equal(t, int64(1), h.Inflight())

	drainDone := make(chan error, 1)
	go func() { drainDone <- h.Drain(context.Background()) }()

	// The drain timer is the only fake-clock waiter.
	require.NoError(t, clk.BlockUntilContext(testContext(t), 1))
	clk.Advance(5 * time.Second)

	err := <-drainDone
	require.Error(t, err)
	assert.True(t, wire.IsKind(err, wire.KindTimeout))
	assert.Equal(t, StateStopped, h.State())

	// The cancelled call still produced exactly one error response.
	resp := <-respCh
	require.NotNil(t, resp)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, "c-slow", resp.Response.CallID)

	assert.Eventually(t, func() bool { return h.Inflight() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestHostCapsConcurrency(t *testing.T) {
	slow := newSlowpoke(2)
	h := NewHost(actor.NewSystem(), WithMaxConcurrent(2))
	require.NoError(t, h.Expose("slow-1", slow))
	require.NoError(t, h.Start())
	t.Cleanup(func() { closeHost(t, h) })

	respCh := make(chan *wire.Envelope, 2)
	for i := 0; i < 2; i++ {
		env := invocationEnv(fmt.Sprintf("c-%d", i), "slow-1", "nap")
		go func() {
			resp, _ := h.Receive(context.Background(), &env, nil)
			respCh <- resp
		}()
	}
	<-slow.started
	<-slow.started
	require.Equal(t, int64(2), h.Inflight())

	// The third call queues on the semaphore until its context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	env := invocationEnv("c-over", "slow-1", "nap")
	resp, err := h.Receive(ctx, &env, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, wire.KindTimeout, resp.Response.Error.Kind)
	assert.Contains(t, resp.Response.Error.Message, "execution slot")

	close(slow.release)
	for i := 0; i < 2; i++ {
		resp := <-respCh
		require.Nil(t, resp.Response.Error)
	}
	assert.Eventually(t, func() bool { return h.Inflight() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestHostHealthTracksLifecycle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := NewHost(actor.NewSystem(), WithClock(clk))

	doc := h.Health()
	assert.Equal(t, transport.StatusUnhealthy, doc.Status)
	assert.Zero(t, doc.UptimeSeconds)

	require.NoError(t, h.Start())
	clk.Advance(90 * time.Second)

	doc = h.Health()
	assert.Equal(t, transport.StatusHealthy, doc.Status)
	assert.Equal(t, 90.0, doc.UptimeSeconds)
	assert.Zero(t, doc.InflightRequests)
	assert.Zero(t, doc.ActiveStreams)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, transport.StatusUnhealthy, h.Health().Status)
}

func TestHostCloseIsIdempotent(t *testing.T) {
	h := NewHost(actor.NewSystem(), WithHTTPAddr("127.0.0.1:0"))
	require.NoError(t, h.Start())

	ctx := testContext(t)
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	assert.Equal(t, StateStopped, h.State())
}

func TestHostAppliesGatewayPolicy(t *testing.T) {
	const policyYAML = `
auth:
  apiKeys:
    - key: k-1
      subject: svc-caller
      roles: [admin]
authorization:
  rules:
    - role: admin
`
	p, err := gateway.ParsePolicy([]byte(policyYAML))
	require.NoError(t, err)

	h := NewHost(actor.NewSystem(),
		WithHTTPAddr("127.0.0.1:0"),
		WithPolicy(p))
	require.NoError(t, h.Expose("echo-1", echoActor{}))
	require.NoError(t, h.Start())
	t.Cleanup(func() { closeHost(t, h) })

	ctx := testContext(t)
	base := "http://" + h.HTTPAddr()
	client := transport.NewHTTPClient(transport.Config{})

	// No credentials: the chain refuses before the actor runs.
	resp, err := client.Invoke(ctx, base, invocationEnv("c-1", "echo-1", "greet", `"Ada"`))
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, wire.KindAuthenticationError, resp.Response.Error.Kind)

	// The configured API key passes authentication and authorization.
	env := invocationEnv("c-2", "echo-1", "greet", `"Ada"`)
	env.Invocation.Metadata = map[string]string{"x-api-key": "k-1"}
	resp, err = client.Invoke(ctx, base, env)
	require.NoError(t, err)
	require.Nil(t, resp.Response.Error)
	assert.JSONEq(t, `"Hello, Ada!"`, string(resp.Response.Result))
}
