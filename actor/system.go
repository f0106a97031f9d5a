package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/telemetry"
	"github.com/briannadoubt/trebuchet/version"
	"github.com/briannadoubt/trebuchet/wire"
)

// System owns the local actor table, the table of outstanding outgoing
// calls, both halves of the stream machinery, and the protocol version
// range. One System serves one listening endpoint.
type System struct {
	host     string
	port     uint16
	versions wire.VersionRange
	sender   Sender

	buffers    *stream.BufferSet
	ownBuffers bool
	fanout     *stream.Fanout
	streams    *stream.ClientRegistry

	mu     sync.RWMutex
	actors map[string]*mailbox
	closed bool

	callsMu sync.Mutex
	calls   map[string]chan wire.Response
}

// Option configures a System.
type Option func(*System)

// WithAddress sets the endpoint this system considers local. Actors
// exposed here carry it in their identity.
func WithAddress(host string, port uint16) Option {
	return func(s *System) {
		s.host = host
		s.port = port
	}
}

// WithSender wires the transport used for remote invocations.
func WithSender(sender Sender) Option {
	return func(s *System) {
		s.sender = sender
	}
}

// WithVersionRange overrides the protocol versions this system speaks.
func WithVersionRange(vr wire.VersionRange) Option {
	return func(s *System) {
		s.versions = vr
	}
}

// WithBufferSet supplies a caller-owned replay buffer set; the caller
// closes it. Without this option the system creates and owns one.
func WithBufferSet(set *stream.BufferSet) Option {
	return func(s *System) {
		s.buffers = set
	}
}

// NewSystem creates an actor system. With no options it serves loopback
// only; give it a Sender to reach remote actors.
func NewSystem(opts ...Option) *System {
	s := &System{
		host:     "127.0.0.1",
		versions: wire.DefaultVersionRange(),
		streams:  stream.NewClientRegistry(),
		actors:   make(map[string]*mailbox),
		calls:    make(map[string]chan wire.Response),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.buffers == nil {
		s.buffers = stream.NewBufferSet()
		s.ownBuffers = true
	}
	s.fanout = stream.NewFanout(s.buffers)
	return s
}

// Address returns the endpoint this system considers local.
func (s *System) Address() (string, uint16) {
	return s.host, s.port
}

// ActorID builds the full identity of a local actor name.
func (s *System) ActorID(id string) wire.ActorID {
	return wire.NewActorID(id, s.host, s.port)
}

// Streams exposes the client-side stream registry, for transports that
// replay resume envelopes after a reconnect.
func (s *System) Streams() *stream.ClientRegistry {
	return s.streams
}

// ActiveStreams reports the number of live server-side subscriptions.
func (s *System) ActiveStreams() int {
	return s.fanout.ActiveStreams()
}

// Expose registers an actor under a unique name and, for Streamer actors,
// binds its properties to the fanout.
func (s *System) Expose(id string, h Handler) error {
	if id == "" {
		return fmt.Errorf("actor id is empty")
	}
	if h == nil {
		return fmt.Errorf("actor %q has a nil handler", id)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.Draining()
	}
	if _, dup := s.actors[id]; dup {
		s.mu.Unlock()
		return fmt.Errorf("actor %q already exposed", id)
	}
	m := newMailbox(id, h)
	s.actors[id] = m
	s.mu.Unlock()

	if m.streamer != nil {
		aid := s.ActorID(id)
		m.streamer.bind(func(name string, value []byte) {
			s.fanout.Publish(aid, name, value)
		})
	}
	logger.Info("actor exposed", "actorID", id, "properties", len(m.propertyNames()))
	return nil
}

// Resolve returns a reference to the target: a direct one when the target
// lives on this system, otherwise a proxy that synthesizes invocations.
func (s *System) Resolve(target wire.ActorID) (Ref, error) {
	if target.LocalTo(s.host, s.port) {
		s.mu.RLock()
		m, ok := s.actors[target.ID]
		s.mu.RUnlock()
		if !ok {
			return nil, wire.NotFound(target.ID)
		}
		return &localRef{sys: s, id: target, m: m}, nil
	}
	return &proxyRef{sys: s, id: target}, nil
}

// Invoke resolves the target and runs one method on it.
func (s *System) Invoke(ctx context.Context, target wire.ActorID, method string, args ...[]byte) ([]byte, error) {
	ref, err := s.Resolve(target)
	if err != nil {
		return nil, err
	}
	return ref.Invoke(ctx, method, args...)
}

// Receive demultiplexes one inbound envelope. A non-nil returned envelope
// is the immediate reply the transport must deliver; stream traffic flows
// through sink instead. Transports without a server-push channel pass a
// nil sink and cannot serve streaming invocations.
func (s *System) Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
	switch env.Type {
	case wire.TypeInvocation:
		inv := env.Invocation
		if inv.Streaming() {
			return s.receiveObserve(ctx, inv, sink)
		}
		resp := s.dispatch(ctx, inv)
		out := wire.Envelope{Type: wire.TypeResponse, Response: &resp}
		return &out, nil
	case wire.TypeResponse:
		s.completeCall(env.Response)
		return nil, nil
	case wire.TypeStreamStart, wire.TypeStreamData, wire.TypeStreamEnd, wire.TypeStreamError:
		s.routeStream(env)
		return nil, nil
	case wire.TypeStreamResume:
		return s.receiveResume(env.StreamResume, sink)
	default:
		return nil, wire.Errorf(wire.KindInvalidEnvelope, "unhandled envelope type %q", env.Type)
	}
}

// dispatch runs one non-streaming invocation to completion. Every outcome
// becomes exactly one Response; nothing else reaches the wire.
func (s *System) dispatch(ctx context.Context, inv *wire.Invocation) wire.Response {
	if _, err := s.effectiveVersion(inv.ProtocolVersion); err != nil {
		return wire.Response{CallID: inv.CallID, Error: wire.FromError(err)}
	}

	s.mu.RLock()
	m, ok := s.actors[inv.ActorID.ID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return wire.Response{CallID: inv.CallID, Error: wire.Draining()}
	}
	if !ok {
		return wire.Response{CallID: inv.CallID, Error: wire.NotFound(inv.ActorID.ID)}
	}

	ctx = logger.WithCallID(ctx, inv.CallID)
	ctx = logger.WithActorID(ctx, inv.ActorID.ID)
	ctx = logger.WithMethod(ctx, inv.TargetIdentifier)
	if inv.TraceContext != nil {
		ctx = telemetry.ContextWithRemoteParent(ctx, inv.TraceContext)
	}

	start := time.Now()
	resCh := make(chan wire.Response, 1)
	if err := m.submit(ctx, func() { resCh <- s.runHandler(ctx, m, inv) }); err != nil {
		return wire.Response{CallID: inv.CallID, Error: wire.FromError(err)}
	}

	select {
	case resp := <-resCh:
		status := prommetrics.StatusSuccess
		if resp.Error != nil {
			status = prommetrics.StatusError
		}
		prommetrics.RecordInvocation(inv.ActorID.ID, inv.TargetIdentifier, status, time.Since(start).Seconds())
		return resp
	case <-m.done:
		return wire.Response{CallID: inv.CallID, Error: wire.Draining()}
	case <-ctx.Done():
		// The caller is gone; a late result lands in the buffered channel
		// and is dropped with it.
		return wire.Response{CallID: inv.CallID, Error: wire.Errorf(wire.KindTimeout,
			"invocation %s cancelled: %v", inv.CallID, ctx.Err())}
	}
}

// runHandler is the result handler: the single place a method's outcome
// becomes a Response, with panics captured as handler errors.
func (s *System) runHandler(ctx context.Context, m *mailbox, inv *wire.Invocation) (resp wire.Response) {
	resp.CallID = inv.CallID
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "actor method panicked",
				"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			resp.Result = nil
			resp.Error = wire.Errorf(wire.KindHandlerError,
				"panic in %s.%s: %v", m.id, inv.TargetIdentifier, rec)
		}
	}()

	result, err := m.h.Invoke(ctx, Call{
		Method:   inv.TargetIdentifier,
		Args:     inv.Arguments,
		Generics: inv.GenericSubstitutions,
		Metadata: inv.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrUnknownMethod) {
			resp.Error = wire.Errorf(wire.KindActorNotFound,
				"%s has no method %q", m.id, inv.TargetIdentifier)
			return resp
		}
		logger.ErrorContext(ctx, "actor method failed", "error", err)
		resp.Error = wire.FromError(err)
		return resp
	}
	resp.Result = result
	return resp
}

func (s *System) receiveObserve(ctx context.Context, inv *wire.Invocation, sink stream.Sink) (*wire.Envelope, error) {
	respond := func(ferr *wire.Error) (*wire.Envelope, error) {
		logger.WarnContext(ctx, "streaming invocation rejected",
			"callID", inv.CallID, "method", inv.TargetIdentifier, "error", ferr)
		env := wire.NewErrorResponseEnvelope(inv.CallID, ferr)
		return &env, nil
	}

	version, err := s.effectiveVersion(inv.ProtocolVersion)
	if err != nil {
		return respond(wire.FromError(err))
	}
	if sink == nil {
		return respond(wire.NewError(wire.KindValidationError,
			"streaming is not available on this transport"))
	}

	s.mu.RLock()
	m, ok := s.actors[inv.ActorID.ID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return respond(wire.Draining())
	}
	if !ok {
		return respond(wire.NotFound(inv.ActorID.ID))
	}
	if m.streamer == nil || !m.streamer.Has(inv.TargetIdentifier) {
		return respond(wire.Errorf(wire.KindActorNotFound,
			"%s has no streamed property %q", m.id, inv.TargetIdentifier))
	}

	_, err = s.fanout.Subscribe(stream.SubscribeRequest{
		CallID:      inv.CallID,
		Actor:       s.ActorID(inv.ActorID.ID),
		Property:    inv.TargetIdentifier,
		Filter:      inv.StreamFilter,
		EnableDelta: version >= wire.DeltaMinVersion,
	}, sink)
	if err != nil {
		return respond(wire.FromError(err))
	}
	return nil, nil
}

func (s *System) receiveResume(r *wire.StreamResume, sink stream.Sink) (*wire.Envelope, error) {
	if sink == nil {
		logger.Warn("stream resume on a transport without streaming, dropping",
			"streamID", r.StreamID)
		return nil, nil
	}
	// Resumed streams carry complete values; the subscriber's decoder
	// passes them through whether or not it negotiated deltas.
	err := s.fanout.Resume(stream.ResumeRequest{
		StreamID:     r.StreamID,
		Actor:        s.ActorID(r.ActorID.ID),
		Property:     r.TargetIdentifier,
		LastSequence: r.LastSequence,
	}, sink)
	if err != nil {
		// The sink already carried StreamError and StreamEnd.
		logger.Warn("stream resume failed", "streamID", r.StreamID, "error", err)
	}
	return nil, nil
}

// routeStream feeds one stream-side envelope into the client registry.
// A matched StreamStart also settles the pending observe call.
func (s *System) routeStream(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeStreamStart:
		if s.streams.HandleStreamStart(env.StreamStart) {
			s.completeCall(&wire.Response{CallID: env.StreamStart.CallID})
		}
	case wire.TypeStreamData:
		s.streams.HandleStreamData(env.StreamData)
	case wire.TypeStreamEnd:
		s.streams.HandleStreamEnd(env.StreamEnd)
	case wire.TypeStreamError:
		s.streams.HandleStreamError(env.StreamError)
	}
}

// effectiveVersion negotiates against the caller's declared maximum; an
// absent (zero) version decodes as 1.
func (s *System) effectiveVersion(declared int) (int, error) {
	if declared == 0 {
		declared = 1
	}
	return wire.Negotiate(wire.VersionRange{Min: wire.MinProtocolVersion, Max: declared}, s.versions)
}

func (s *System) registerCall(callID string) chan wire.Response {
	ch := make(chan wire.Response, 1)
	s.callsMu.Lock()
	s.calls[callID] = ch
	s.callsMu.Unlock()
	return ch
}

func (s *System) forgetCall(callID string) {
	s.callsMu.Lock()
	delete(s.calls, callID)
	s.callsMu.Unlock()
}

// completeCall resumes the caller waiting on a response. Responses with
// no matching call (cancelled, duplicate, or already settled) are dropped.
func (s *System) completeCall(resp *wire.Response) {
	s.callsMu.Lock()
	ch, ok := s.calls[resp.CallID]
	if ok {
		delete(s.calls, resp.CallID)
	}
	s.callsMu.Unlock()
	if !ok {
		logger.Debug("response for unknown call, dropping", "callID", resp.CallID)
		return
	}
	ch <- *resp
}

func (s *System) remoteInvoke(ctx context.Context, target wire.ActorID, method string, generics []string, args [][]byte) ([]byte, error) {
	if s.sender == nil {
		return nil, wire.NewError(wire.KindConnectionFailed,
			"no transport configured for remote calls")
	}

	inv := wire.Invocation{
		CallID:               wire.NewCallID(),
		ActorID:              target,
		TargetIdentifier:     method,
		GenericSubstitutions: generics,
		Arguments:            args,
		ProtocolVersion:      s.versions.Max,
		TraceContext:         telemetry.WireFromSpan(trace.SpanFromContext(ctx)),
		Metadata:             map[string]string{version.MetadataKey: version.Version()},
	}
	ctx = logger.WithCallID(ctx, inv.CallID)

	ch := s.registerCall(inv.CallID)
	defer s.forgetCall(inv.CallID)

	if err := s.sender.Send(ctx, target.Endpoint(), wire.NewInvocationEnvelope(inv)); err != nil {
		if _, ok := wire.AsError(err); ok {
			return nil, err
		}
		return nil, wire.Errorf(wire.KindConnectionFailed, "send to %s: %v", target.Endpoint(), err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		// The callID is forgotten on return; a late response is dropped.
		return nil, ctx.Err()
	}
}

func (s *System) observeRemote(ctx context.Context, target wire.ActorID, property string, cfg observeConfig) (*stream.ClientStream, error) {
	if s.sender == nil {
		return nil, wire.NewError(wire.KindConnectionFailed,
			"no transport configured for remote calls")
	}

	callID := wire.NewCallID()
	delta := s.versions.Max >= wire.DeltaMinVersion && !cfg.noDelta
	cs := s.streams.CreateStream(callID, target, property, delta)
	ch := s.registerCall(callID)
	defer s.forgetCall(callID)

	inv := wire.Invocation{
		CallID:           callID,
		ActorID:          target,
		TargetIdentifier: property,
		ProtocolVersion:  s.versions.Max,
		StreamFilter:     cfg.filter,
		TraceContext:     telemetry.WireFromSpan(trace.SpanFromContext(ctx)),
		Metadata:         map[string]string{version.MetadataKey: version.Version()},
	}
	if err := s.sender.Send(ctx, target.Endpoint(), wire.NewInvocationEnvelope(inv)); err != nil {
		s.streams.AbandonCall(callID)
		if _, ok := wire.AsError(err); ok {
			return nil, err
		}
		return nil, wire.Errorf(wire.KindConnectionFailed, "send to %s: %v", target.Endpoint(), err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			s.streams.AbandonCall(callID)
			return nil, resp.Error
		}
		return cs, nil
	case <-ctx.Done():
		s.streams.AbandonCall(callID)
		return nil, ctx.Err()
	}
}

func (s *System) observeLocal(ctx context.Context, m *mailbox, target wire.ActorID, property string, cfg observeConfig) (*stream.ClientStream, error) {
	if m.streamer == nil || !m.streamer.Has(property) {
		return nil, wire.Errorf(wire.KindActorNotFound,
			"%s has no streamed property %q", m.id, property)
	}

	callID := wire.NewCallID()
	cs := s.streams.CreateStream(callID, target, property, false)
	ch := s.registerCall(callID)
	defer s.forgetCall(callID)

	streamID, err := s.fanout.Subscribe(stream.SubscribeRequest{
		CallID:   callID,
		Actor:    s.ActorID(m.id),
		Property: property,
		Filter:   cfg.filter,
	}, loopbackSink{sys: s})
	if err != nil {
		s.streams.AbandonCall(callID)
		return nil, err
	}

	select {
	case <-ch:
		return cs, nil
	case <-ctx.Done():
		s.fanout.Unsubscribe(streamID, wire.EndClientUnsubscribed)
		s.streams.AbandonCall(callID)
		return nil, ctx.Err()
	}
}

// Unobserve tears down one client-side stream. Local subscriptions also
// detach from the fanout; for remote ones the server notices on
// connection close or when its buffer expires.
func (s *System) Unobserve(cs *stream.ClientStream) {
	id := cs.ID()
	if id == "" {
		return
	}
	s.streams.Remove(id)
	s.fanout.Unsubscribe(id, wire.EndClientUnsubscribed)
}

// loopbackSink feeds a local subscription straight back into the client
// registry, so local observers ride the same machinery as remote ones.
type loopbackSink struct {
	sys *System
}

func (l loopbackSink) Send(env *wire.Envelope) error {
	l.sys.routeStream(env)
	return nil
}

// Close retires every actor: their streams end with actorTerminated, their
// mailboxes drain, and further dispatch is refused. In-flight work gets
// until ctx expires.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	actors := make(map[string]*mailbox, len(s.actors))
	for id, m := range s.actors {
		actors[id] = m
	}
	s.mu.Unlock()

	for id, m := range actors {
		s.fanout.EndActor(s.ActorID(id))
		m.close()
	}

	var drainErr error
	for _, m := range actors {
		select {
		case <-m.done:
		case <-ctx.Done():
			drainErr = wire.Errorf(wire.KindTimeout, "actor drain deadline exceeded")
		}
		if drainErr != nil {
			break
		}
	}

	s.fanout.Close()
	if s.ownBuffers {
		s.buffers.Close()
	}
	logger.Info("actor system closed", "actors", len(actors))
	return drainErr
}
