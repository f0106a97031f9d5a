// Package host runs an actor system behind network transports with a managed
// lifecycle. A Host binds listeners, gates every inbound invocation through an
// optional gateway chain, tracks in-flight work, and drains gracefully: while
// draining, new invocations are refused with a retryable serverDraining error
// and running calls get a grace period to finish before the listeners fall.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/briannadoubt/trebuchet/actor"
	"github.com/briannadoubt/trebuchet/gateway"
	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/transport"
	"github.com/briannadoubt/trebuchet/version"
	"github.com/briannadoubt/trebuchet/wire"
)

// DefaultDrainTimeout bounds how long Drain waits for in-flight work.
const DefaultDrainTimeout = 30 * time.Second

// defaultReadHeaderTimeout bounds header reads on the HTTP listener.
const defaultReadHeaderTimeout = 10 * time.Second

// State is the lifecycle phase of a Host.
type State uint32

const (
	// StateNew is the phase before Start.
	StateNew State = iota
	// StateRunning accepts and dispatches invocations.
	StateRunning
	// StateDraining refuses new invocations while running ones finish.
	StateDraining
	// StateStopped is terminal; listeners and actors are down.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Host runs a System behind transports and owns its lifecycle. It implements
// transport.Handler and transport.HealthSource; the transports feed every
// inbound envelope through Receive. A Host with no transports configured
// still dispatches through Receive, which platform-function deployments call
// directly.
type Host struct {
	system *actor.System

	streamAddr string
	httpAddr   string
	streamCfg  transport.Config
	httpCfg    transport.HTTPConfig

	chain          *gateway.Chain
	chainStop      func()
	policy         *gateway.Policy
	tracerProvider trace.TracerProvider
	sinks          transport.SinkProvider

	drainTimeout  time.Duration
	maxConcurrent int64
	clock         clockwork.Clock
	sem           *semaphore.Weighted

	mu        sync.Mutex
	state     State
	startedAt time.Time
	inner     transport.Handler
	streamSrv *transport.StreamServer
	streamLis net.Listener
	httpSrv   *http.Server
	httpLis   net.Listener

	// inflight counts admitted invocations, queued or executing. The wait
	// group covers the same work for the drain barrier.
	inflight atomic.Int64
	wg       sync.WaitGroup
	serveWG  sync.WaitGroup

	cancelsMu sync.Mutex
	cancels   map[uint64]context.CancelFunc
	nextCall  uint64

	stoppedCh chan struct{}
}

// Option configures a Host.
type Option func(*Host)

// WithStreamAddr enables the framed TCP transport on addr.
func WithStreamAddr(addr string) Option {
	return func(h *Host) { h.streamAddr = addr }
}

// WithHTTPAddr enables the HTTP transport on addr.
func WithHTTPAddr(addr string) Option {
	return func(h *Host) { h.httpAddr = addr }
}

// WithTransportConfig tunes the stream transport.
func WithTransportConfig(cfg transport.Config) Option {
	return func(h *Host) { h.streamCfg = cfg }
}

// WithHTTPConfig tunes the HTTP transport. The host installs itself as the
// health source.
func WithHTTPConfig(cfg transport.HTTPConfig) Option {
	return func(h *Host) { h.httpCfg = cfg }
}

// WithGateway places a prebuilt middleware chain in front of the system.
// The caller keeps ownership of the chain's background tasks.
func WithGateway(chain *gateway.Chain) Option {
	return func(h *Host) { h.chain = chain }
}

// WithPolicy builds the middleware chain from a gateway policy during Start.
// The host owns the chain's background tasks and stops them on shutdown.
func WithPolicy(p *gateway.Policy) Option {
	return func(h *Host) { h.policy = p }
}

// WithTracerProvider sets the provider for gateway spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Host) { h.tracerProvider = tp }
}

// WithDrainTimeout overrides how long Drain waits for in-flight work.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Host) { h.drainTimeout = d }
}

// WithMaxConcurrent caps concurrently dispatched invocations. Callers past
// the cap queue on a semaphore until a slot frees or their context ends.
// Zero means no cap.
func WithMaxConcurrent(n int64) Option {
	return func(h *Host) { h.maxConcurrent = n }
}

// WithSinkProvider routes streaming invocations arriving over HTTP to a
// push fabric.
func WithSinkProvider(sp transport.SinkProvider) Option {
	return func(h *Host) { h.sinks = sp }
}

// WithClock substitutes the time source for uptime and the drain deadline.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Host) { h.clock = clock }
}

// NewHost wraps an actor system for serving.
func NewHost(system *actor.System, opts ...Option) *Host {
	h := &Host{
		system:       system,
		drainTimeout: DefaultDrainTimeout,
		cancels:      make(map[uint64]context.CancelFunc),
		stoppedCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.maxConcurrent > 0 {
		h.sem = semaphore.NewWeighted(h.maxConcurrent)
	}
	h.inner = system
	if h.chain != nil {
		h.inner = gateway.NewFront(h.chain, system)
	}
	return h
}

// Start binds the configured listeners and begins serving. It returns once
// the host accepts traffic; the serve loops run on background goroutines.
func (h *Host) Start() error {
	h.mu.Lock()
	if h.state != StateNew {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("host already started (state %s)", state)
	}

	if h.policy != nil {
		if h.chain != nil {
			h.mu.Unlock()
			return errors.New("configure either a gateway chain or a policy, not both")
		}
		chain, stop, err := h.policy.Build(h.tracerProvider, h.clock)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("build gateway policy: %w", err)
		}
		h.chain = chain
		h.chainStop = stop
		h.inner = gateway.NewFront(chain, h.system)
	}

	cleanup := func() {
		if h.streamLis != nil {
			_ = h.streamLis.Close()
			h.streamLis = nil
		}
		if h.httpLis != nil {
			_ = h.httpLis.Close()
			h.httpLis = nil
		}
		if h.chainStop != nil {
			h.chainStop()
		}
	}

	if h.streamAddr != "" {
		lis, err := net.Listen("tcp", h.streamAddr)
		if err != nil {
			cleanup()
			h.mu.Unlock()
			return fmt.Errorf("listen on %s: %w", h.streamAddr, err)
		}
		h.streamLis = lis
		h.streamSrv = transport.NewStreamServer(h, h.streamCfg)
	}
	if h.httpAddr != "" {
		lis, err := net.Listen("tcp", h.httpAddr)
		if err != nil {
			cleanup()
			h.mu.Unlock()
			return fmt.Errorf("listen on %s: %w", h.httpAddr, err)
		}
		h.httpLis = lis
		hcfg := h.httpCfg
		hcfg.HealthSource = h
		if hcfg.Sinks == nil {
			hcfg.Sinks = h.sinks
		}
		api := transport.NewHTTPServer(h, hcfg)
		h.httpSrv = &http.Server{
			Handler:           api.Routes(),
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		}
	}

	h.state = StateRunning
	h.startedAt = h.clock.Now()
	streamSrv, streamLis := h.streamSrv, h.streamLis
	httpSrv, httpLis := h.httpSrv, h.httpLis
	gated := h.chain != nil
	h.mu.Unlock()

	if streamSrv != nil {
		h.serveWG.Add(1)
		go func() {
			defer h.serveWG.Done()
			if err := streamSrv.Serve(streamLis); err != nil {
				logger.Error("stream transport stopped", "error", err)
			}
		}()
	}
	if httpSrv != nil {
		h.serveWG.Add(1)
		go func() {
			defer h.serveWG.Done()
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http transport stopped", "error", err)
			}
		}()
	}

	logger.Info("host started",
		"streamAddr", h.StreamAddr(),
		"httpAddr", h.HTTPAddr(),
		"gateway", gated)
	return nil
}

// Receive implements transport.Handler. Invocations are admitted against the
// lifecycle state and the concurrency cap before reaching the gateway chain
// and the actor system; responses and stream traffic pass straight through so
// established streams outlive the draining transition.
func (h *Host) Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
	if env.Type != wire.TypeInvocation || env.Invocation == nil {
		return h.downstream().Receive(ctx, env, sink)
	}

	ctx, untrack := h.track(ctx)
	defer untrack()

	release, werr := h.admit(ctx)
	if werr != nil {
		prommetrics.RecordInvocationError(string(werr.Kind))
		logger.WarnContext(ctx, "invocation refused",
			"callID", env.Invocation.CallID,
			"actorID", env.Invocation.ActorID.ID,
			"state", h.State().String(),
			"kind", string(werr.Kind))
		reject := wire.NewErrorResponseEnvelope(env.Invocation.CallID, werr)
		return &reject, nil
	}
	defer release()

	return h.downstream().Receive(ctx, env, sink)
}

// admit gates one invocation. The returned release covers the wait-group
// slot, the inflight gauge, and the semaphore slot.
func (h *Host) admit(ctx context.Context) (func(), *wire.Error) {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return nil, wire.Draining()
	}
	h.wg.Add(1)
	h.mu.Unlock()
	h.inflight.Add(1)

	if h.sem != nil {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			h.inflight.Add(-1)
			h.wg.Done()
			return nil, wire.Errorf(wire.KindTimeout, "failed to acquire execution slot: %v", err)
		}
	}
	return func() {
		if h.sem != nil {
			h.sem.Release(1)
		}
		h.inflight.Add(-1)
		h.wg.Done()
	}, nil
}

// track derives a per-invocation context the host cancels when the drain
// deadline passes with work still outstanding.
func (h *Host) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancelsMu.Lock()
	h.nextCall++
	id := h.nextCall
	h.cancels[id] = cancel
	h.cancelsMu.Unlock()
	return ctx, func() {
		h.cancelsMu.Lock()
		delete(h.cancels, id)
		h.cancelsMu.Unlock()
		cancel()
	}
}

func (h *Host) cancelInflight() {
	h.cancelsMu.Lock()
	cancels := h.cancels
	h.cancels = make(map[uint64]context.CancelFunc)
	h.cancelsMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (h *Host) downstream() transport.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner
}

// Drain gracefully stops the host: new invocations are refused with a
// serverDraining error, in-flight ones get up to the drain timeout to finish
// and are cancelled past it, streams are ended, then the actors and the
// listeners shut down.
func (h *Host) Drain(ctx context.Context) error {
	return h.stop(ctx, h.drainTimeout)
}

// Close stops the host without the drain grace period; in-flight work is
// cancelled immediately. Safe to call at any point, any number of times.
func (h *Host) Close(ctx context.Context) error {
	return h.stop(ctx, 0)
}

func (h *Host) stop(ctx context.Context, wait time.Duration) error {
	h.mu.Lock()
	switch h.state {
	case StateStopped:
		h.mu.Unlock()
		return nil
	case StateDraining:
		// Another goroutine is tearing down; wait for it.
		h.mu.Unlock()
		select {
		case <-h.stoppedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateNew:
		h.state = StateStopped
		h.mu.Unlock()
		close(h.stoppedCh)
		return nil
	}
	h.state = StateDraining
	streamSrv := h.streamSrv
	httpSrv := h.httpSrv
	chainStop := h.chainStop
	h.mu.Unlock()

	logger.Info("host draining",
		"inflight", h.inflight.Load(),
		"activeStreams", h.system.ActiveStreams(),
		"wait", wait.String())

	var drainErr error
	if wait > 0 {
		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		timer := h.clock.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
		case <-timer.Chan():
			drainErr = wire.Errorf(wire.KindTimeout,
				"drain deadline exceeded with %d invocations in flight", h.inflight.Load())
			h.cancelInflight()
		case <-ctx.Done():
			timer.Stop()
			drainErr = ctx.Err()
			h.cancelInflight()
		}
	} else {
		h.cancelInflight()
	}

	// Streams end before the listeners fall so the end envelopes still have
	// a connection to ride out on.
	if err := h.system.Close(ctx); err != nil && drainErr == nil {
		drainErr = err
	}
	if streamSrv != nil {
		if err := streamSrv.Shutdown(ctx); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	if chainStop != nil {
		chainStop()
	}
	h.serveWG.Wait()

	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()
	close(h.stoppedCh)
	logger.Info("host stopped")
	return drainErr
}

// Health implements transport.HealthSource.
func (h *Host) Health() transport.Health {
	h.mu.Lock()
	state := h.state
	started := h.startedAt
	h.mu.Unlock()

	status := transport.StatusUnhealthy
	switch state {
	case StateRunning:
		status = transport.StatusHealthy
	case StateDraining:
		status = transport.StatusDraining
	}
	doc := transport.Health{
		Status:           status,
		InflightRequests: h.inflight.Load(),
		ActiveStreams:    h.system.ActiveStreams(),
		Version:          version.Version(),
	}
	if !started.IsZero() {
		doc.UptimeSeconds = h.clock.Since(started).Seconds()
	}
	return doc
}

// State reports the current lifecycle phase.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Inflight reports the number of admitted invocations not yet finished.
func (h *Host) Inflight() int64 {
	return h.inflight.Load()
}

// System returns the hosted actor system.
func (h *Host) System() *actor.System {
	return h.system
}

// Expose registers an actor on the hosted system.
func (h *Host) Expose(id string, handler actor.Handler) error {
	return h.system.Expose(id, handler)
}

// StreamAddr returns the bound stream listener address, or "" when the
// stream transport is not running.
func (h *Host) StreamAddr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streamLis == nil {
		return ""
	}
	return h.streamLis.Addr().String()
}

// HTTPAddr returns the bound HTTP listener address, or "" when the HTTP
// transport is not running.
func (h *Host) HTTPAddr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.httpLis == nil {
		return ""
	}
	return h.httpLis.Addr().String()
}
