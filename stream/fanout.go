package stream

import (
	"sync"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// DefaultQueueCapacity is the outbound queue depth of one subscriber.
// A full queue drops the value for that subscriber; the replay buffer
// keeps it recoverable.
const DefaultQueueCapacity = 32

// Sink delivers envelopes to one subscriber's connection. Implementations
// are provided by the transports; Send is called from the subscriber's own
// pump goroutine, never from the publishing path.
type Sink interface {
	Send(env *wire.Envelope) error
}

// SubscribeRequest describes a new streaming subscription.
type SubscribeRequest struct {
	// CallID correlates the StreamStart with the invocation that asked
	// for it.
	CallID   string
	Actor    wire.ActorID
	Property string
	// Filter is the server-evaluated delivery filter, nil for all.
	Filter *wire.StreamFilter
	// EnableDelta turns on the delta codec for this subscriber. Only set
	// when the negotiated protocol version supports it.
	EnableDelta bool
}

// ResumeRequest describes a reconnecting subscriber catching up.
type ResumeRequest struct {
	StreamID     string
	Actor        wire.ActorID
	Property     string
	LastSequence uint64
	EnableDelta  bool
}

// Fanout routes property values to subscribers. Each subscription owns a
// replay buffer, a delivery filter, an optional delta codec, and a buffered
// outbound queue drained by its own goroutine, so one slow or dead
// subscriber never stalls the publisher or its peers.
type Fanout struct {
	buffers  *BufferSet
	queueCap int

	mu     sync.Mutex
	topics map[topicKey]*topic
	subs   map[string]*subscription
	closed bool
}

type topicKey struct {
	actor    string
	property string
}

type topic struct {
	actor    wire.ActorID
	property string

	// lastValue is the current complete value, kept for initial
	// snapshots and resume restarts.
	lastValue []byte
	hasValue  bool

	subs map[string]*subscription
}

type subscription struct {
	id       string
	key      topicKey
	property string
	sink     Sink
	filter   Filter
	codec    *Codec // nil unless delta-enabled
	buffer   *Buffer
	queue    chan wire.Envelope

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	endReason wire.EndReason
	endErr    *wire.Error
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithQueueCapacity sets the per-subscriber outbound queue depth.
func WithQueueCapacity(n int) FanoutOption {
	return func(f *Fanout) {
		f.queueCap = n
	}
}

// NewFanout creates a fanout over the given buffer set.
func NewFanout(buffers *BufferSet, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		buffers:  buffers,
		queueCap: DefaultQueueCapacity,
		topics:   make(map[topicKey]*topic),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe attaches a new subscriber and returns its stream ID. The
// subscriber receives a StreamStart first and, when the property already
// holds a value, the current value as its initial snapshot.
func (f *Fanout) Subscribe(req SubscribeRequest, sink Sink) (string, error) {
	filter, err := NewFilter(req.Filter)
	if err != nil {
		return "", err
	}

	streamID := wire.NewStreamID()
	sub := f.newSubscription(streamID, req.Actor, req.Property, sink, filter, req.EnableDelta, f.queueCap)
	sub.buffer = f.buffers.Create(streamID)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", wire.NewError(wire.KindConnectionFailed, "stream fanout is closed")
	}
	t := f.topicLocked(req.Actor, req.Property)
	t.subs[streamID] = sub
	f.subs[streamID] = sub

	sub.enqueue(wire.NewStreamStartEnvelope(wire.StreamStart{
		CallID:           req.CallID,
		StreamID:         streamID,
		ActorID:          req.Actor,
		TargetIdentifier: req.Property,
		StreamFilter:     req.Filter,
	}))
	if t.hasValue {
		f.emitLocked(sub, t.lastValue)
	}
	f.mu.Unlock()

	go sub.pump(f)
	prommetrics.StreamOpened()
	return streamID, nil
}

// Resume reattaches a reconnecting subscriber. With a live buffer the
// retained values past LastSequence are replayed in order and the stream
// continues under its old ID, without a StreamStart. With the buffer gone
// the stream restarts: a fresh StreamStart (its CallID set to the resumed
// stream ID so the client can rebind) followed by the current value at
// sequence 1. When not even a current value exists the subscriber gets a
// streamBufferExpired StreamError and a StreamEnd.
func (f *Fanout) Resume(req ResumeRequest, sink Sink) error {
	if buffer, ok := f.buffers.Lookup(req.StreamID); ok {
		f.resumeReplay(req, sink, buffer)
		return nil
	}
	return f.resumeRestart(req, sink)
}

func (f *Fanout) resumeReplay(req ResumeRequest, sink Sink, buffer *Buffer) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	// A subscription may still be attached if the old connection died
	// without cleanup; the resume supersedes it.
	if old, ok := f.subs[req.StreamID]; ok {
		f.detachLocked(old)
		old.terminate(wire.EndConnectionClosed, nil)
	}

	entries := buffer.Since(req.LastSequence, f.buffers.Now())
	// Size the queue so the whole replay fits ahead of live traffic.
	sub := f.newSubscription(req.StreamID, req.Actor, req.Property, sink, allowAll{}, req.EnableDelta, len(entries)+f.queueCap)
	sub.buffer = buffer

	t := f.topicLocked(req.Actor, req.Property)
	t.subs[req.StreamID] = sub
	f.subs[req.StreamID] = sub

	for _, entry := range entries {
		data := entry
		if sub.codec != nil {
			data.Data = frame(frameFull, entry.Data)
		}
		sub.enqueue(wire.NewStreamDataEnvelope(data))
	}
	f.mu.Unlock()

	go sub.pump(f)
	prommetrics.StreamOpened()
	prommetrics.RecordStreamResume("replayed")
}

func (f *Fanout) resumeRestart(req ResumeRequest, sink Sink) error {
	f.mu.Lock()
	t, ok := f.topics[topicKey{req.Actor.String(), req.Property}]
	if f.closed || !ok || !t.hasValue {
		f.mu.Unlock()
		ferr := wire.Errorf(wire.KindStreamBufferExpired,
			"stream %s cannot be resumed or restarted", req.StreamID)
		errEnv := wire.NewStreamErrorEnvelope(req.StreamID, ferr)
		_ = sink.Send(&errEnv)
		endEnv := wire.NewStreamEndEnvelope(req.StreamID, wire.EndError)
		_ = sink.Send(&endEnv)
		return ferr
	}

	streamID := wire.NewStreamID()
	sub := f.newSubscription(streamID, req.Actor, req.Property, sink, allowAll{}, req.EnableDelta, f.queueCap)
	sub.buffer = f.buffers.Create(streamID)

	t.subs[streamID] = sub
	f.subs[streamID] = sub

	sub.enqueue(wire.NewStreamStartEnvelope(wire.StreamStart{
		CallID:           req.StreamID,
		StreamID:         streamID,
		ActorID:          req.Actor,
		TargetIdentifier: req.Property,
	}))
	f.emitLocked(sub, t.lastValue)
	f.mu.Unlock()

	go sub.pump(f)
	prommetrics.StreamOpened()
	prommetrics.RecordStreamResume("restarted")
	return nil
}

// Publish routes a new property value to every subscriber of
// (actor, property) and remembers it for future snapshots. Called by the
// actor runtime after its own state update, outside any actor lock.
func (f *Fanout) Publish(actor wire.ActorID, property string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	t := f.topicLocked(actor, property)
	t.lastValue = append([]byte(nil), value...)
	t.hasValue = true
	for _, sub := range t.subs {
		f.emitLocked(sub, t.lastValue)
	}
}

// emitLocked runs one value through a subscriber's buffer, filter, and
// codec. The sequence number is consumed and the value buffered even when
// the filter suppresses delivery, which is why delivered sequences may
// have gaps. Callers must hold f.mu.
func (f *Fanout) emitLocked(sub *subscription, value []byte) {
	entry := sub.buffer.Append(value, f.buffers.Now())
	if !sub.filter.Allow(value) {
		return
	}
	if sub.codec != nil {
		entry.Data = sub.codec.Encode(value)
	}
	sub.enqueue(wire.NewStreamDataEnvelope(entry))
}

// Unsubscribe detaches a subscriber and sends StreamEnd with the given
// reason. The replay buffer survives only a connectionClosed end, so that
// the subscriber can resume.
func (f *Fanout) Unsubscribe(streamID string, reason wire.EndReason) {
	f.mu.Lock()
	sub, ok := f.subs[streamID]
	if ok {
		f.detachLocked(sub)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.terminate(reason, nil)
	if reason != wire.EndConnectionClosed {
		f.buffers.Remove(streamID)
	}
}

// Fail detaches a subscriber with StreamError followed by StreamEnd.
func (f *Fanout) Fail(streamID string, ferr *wire.Error) {
	f.mu.Lock()
	sub, ok := f.subs[streamID]
	if ok {
		f.detachLocked(sub)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.terminate(wire.EndError, ferr)
	f.buffers.Remove(streamID)
}

// EndActor terminates every stream of an actor with actorTerminated and
// forgets its properties.
func (f *Fanout) EndActor(actor wire.ActorID) {
	prefix := actor.String()

	f.mu.Lock()
	var ended []*subscription
	for key, t := range f.topics {
		if key.actor != prefix {
			continue
		}
		for id, sub := range t.subs {
			ended = append(ended, sub)
			delete(f.subs, id)
		}
		delete(f.topics, key)
	}
	f.mu.Unlock()

	for _, sub := range ended {
		sub.terminate(wire.EndActorTerminated, nil)
		f.buffers.Remove(sub.id)
	}
}

// ActiveStreams returns the number of attached subscribers.
func (f *Fanout) ActiveStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close terminates every stream with connectionClosed. Buffers stay in
// their set; the owner decides their fate.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.topics = make(map[topicKey]*topic)
	f.subs = make(map[string]*subscription)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(wire.EndConnectionClosed, nil)
	}
}

func (f *Fanout) newSubscription(id string, actor wire.ActorID, property string, sink Sink, filter Filter, delta bool, queueCap int) *subscription {
	sub := &subscription{
		id:       id,
		key:      topicKey{actor.String(), property},
		property: property,
		sink:     sink,
		filter:   filter,
		queue:    make(chan wire.Envelope, queueCap),
		stop:     make(chan struct{}),
	}
	if delta {
		sub.codec = &Codec{}
	}
	return sub
}

func (f *Fanout) topicLocked(actor wire.ActorID, property string) *topic {
	key := topicKey{actor.String(), property}
	t, ok := f.topics[key]
	if !ok {
		t = &topic{actor: actor, property: property, subs: make(map[string]*subscription)}
		f.topics[key] = t
	}
	return t
}

func (f *Fanout) detachLocked(sub *subscription) {
	delete(f.subs, sub.id)
	if t, ok := f.topics[sub.key]; ok {
		delete(t.subs, sub.id)
	}
}

func (s *subscription) enqueue(env wire.Envelope) {
	select {
	case s.queue <- env:
	default:
		prommetrics.RecordStreamDrop(s.property)
		logger.Debug("stream queue full, dropping",
			"stream", s.id, "property", s.property)
	}
}

func (s *subscription) terminate(reason wire.EndReason, ferr *wire.Error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		s.endErr = ferr
		s.mu.Unlock()
		close(s.stop)
	})
}

// pump drains the queue onto the sink. Exactly one pump runs per
// subscription; it exits on terminate or on the first send failure.
func (s *subscription) pump(f *Fanout) {
	defer prommetrics.StreamClosed()
	for {
		select {
		case env := <-s.queue:
			if !s.deliver(f, &env) {
				return
			}
		case <-s.stop:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case env := <-s.queue:
					if !s.deliver(f, &env) {
						return
					}
				default:
					s.mu.Lock()
					reason, ferr := s.endReason, s.endErr
					s.mu.Unlock()
					if ferr != nil {
						errEnv := wire.NewStreamErrorEnvelope(s.id, ferr)
						_ = s.sink.Send(&errEnv)
					}
					endEnv := wire.NewStreamEndEnvelope(s.id, reason)
					_ = s.sink.Send(&endEnv)
					return
				}
			}
		}
	}
}

func (s *subscription) deliver(f *Fanout, env *wire.Envelope) bool {
	if err := s.sink.Send(env); err != nil {
		logger.Debug("subscriber send failed, detaching",
			"stream", s.id, "property", s.property, "error", err)
		f.mu.Lock()
		f.detachLocked(s)
		f.mu.Unlock()
		// Best effort; the connection is most likely gone. The buffer
		// stays for a possible resume.
		endEnv := wire.NewStreamEndEnvelope(s.id, wire.EndConnectionClosed)
		_ = s.sink.Send(&endEnv)
		return false
	}
	if env.Type == wire.TypeStreamData {
		prommetrics.RecordStreamData(s.property)
	}
	return true
}
