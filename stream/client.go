package stream

import (
	"sync"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/wire"
)

const (
	// clientHistoryCap bounds the values a client stream keeps locally.
	clientHistoryCap = 100

	// observerBuffer is the channel depth of one local observer. A full
	// observer misses values rather than stall its siblings.
	observerBuffer = 16
)

// Checkpoint is what a client must remember to resume a stream after a
// reconnect.
type Checkpoint struct {
	StreamID     string
	LastSequence uint64
	ActorID      wire.ActorID
	Method       string
}

// ClientRegistry tracks the client half of active streams: the pending
// ones awaiting their StreamStart, keyed by call ID, and the live ones
// keyed by stream ID.
type ClientRegistry struct {
	mu     sync.Mutex
	byCall map[string]*ClientStream
	byID   map[string]*ClientStream
}

// NewClientRegistry creates an empty stream registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byCall: make(map[string]*ClientStream),
		byID:   make(map[string]*ClientStream),
	}
}

// CreateStream registers a stream for an in-flight streaming invocation.
// The stream has no ID until its StreamStart arrives.
func (r *ClientRegistry) CreateStream(callID string, actor wire.ActorID, method string, delta bool) *ClientStream {
	s := newClientStream(callID, actor, method, delta)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCall[callID] = s
	return s
}

// CreateResumedStream registers a stream recovered from a checkpoint. It is
// immediately live under its old ID; a replay continues it, while a fresh
// StreamStart (carrying the old ID as its call ID) rebinds and resets it.
func (r *ClientRegistry) CreateResumedStream(cp Checkpoint, delta bool) *ClientStream {
	s := newClientStream(cp.StreamID, cp.ActorID, cp.Method, delta)
	s.id = cp.StreamID
	s.lastSeq = cp.LastSequence

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCall[cp.StreamID] = s
	r.byID[cp.StreamID] = s
	return s
}

// HandleStreamStart binds a pending stream to its server-assigned ID.
// Reports whether the start matched a pending call.
func (r *ClientRegistry) HandleStreamStart(start *wire.StreamStart) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCall[start.CallID]
	if !ok {
		logger.Debug("stream start for unknown call, dropping", "callID", start.CallID)
		return false
	}
	delete(r.byCall, start.CallID)

	s.mu.Lock()
	if s.id != "" {
		// A restart after a failed resume: the server opened a fresh
		// stream, so the local sequence and reconstruction state reset.
		delete(r.byID, s.id)
		s.lastSeq = 0
		s.history = nil
		if s.decoder != nil {
			s.decoder = &Decoder{}
		}
	}
	s.id = start.StreamID
	s.mu.Unlock()

	r.byID[start.StreamID] = s
	return true
}

// HandleStreamData routes one data envelope to its stream. Duplicate and
// out-of-order deliveries (sequence at or below the last observed one) are
// dropped.
func (r *ClientRegistry) HandleStreamData(data *wire.StreamData) {
	r.mu.Lock()
	s, ok := r.byID[data.StreamID]
	r.mu.Unlock()
	if !ok {
		logger.Debug("stream data for unknown stream, dropping", "streamID", data.StreamID)
		return
	}
	if err := s.receive(data); err != nil {
		logger.Warn("stream payload unusable, failing stream",
			"streamID", data.StreamID, "error", err)
		r.Remove(data.StreamID)
		s.terminate(wire.EndError, wire.FromError(err))
	}
}

// HandleStreamEnd terminates a stream cleanly and forgets it.
func (r *ClientRegistry) HandleStreamEnd(end *wire.StreamEnd) {
	s := r.take(end.StreamID)
	if s == nil {
		return
	}
	s.terminate(end.Reason, nil)
}

// HandleStreamError terminates a stream with an error and forgets it.
func (r *ClientRegistry) HandleStreamError(serr *wire.StreamError) {
	s := r.take(serr.StreamID)
	if s == nil {
		return
	}
	s.terminate(wire.EndError, serr.Error)
}

// AbandonCall drops a pending stream whose invocation failed before any
// StreamStart arrived. Already-bound streams are left alone.
func (r *ClientRegistry) AbandonCall(callID string) {
	r.mu.Lock()
	s, ok := r.byCall[callID]
	if ok {
		delete(r.byCall, callID)
		if s.ID() != "" {
			s = nil
		}
	}
	r.mu.Unlock()

	if s != nil {
		s.terminate(wire.EndError, nil)
	}
}

// Remove forgets a stream without terminating it, for callers that manage
// the stream's lifecycle themselves.
func (r *ClientRegistry) Remove(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		return
	}
	delete(r.byID, streamID)
	delete(r.byCall, s.callID)
}

// Checkpoints snapshots every live stream for persistence or resumption.
func (r *ClientRegistry) Checkpoints() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Checkpoint, 0, len(r.byID))
	for _, s := range r.byID {
		if cp, ok := s.Checkpoint(); ok {
			out = append(out, cp)
		}
	}
	return out
}

// ResumeEnvelopes prepares the StreamResume envelopes for every live
// stream after a reconnect. It also re-registers each stream under its ID
// as a pending call, so a restart StreamStart can rebind it. Callers must
// send these before creating any new subscription on the connection.
func (r *ClientRegistry) ResumeEnvelopes() []wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.Envelope, 0, len(r.byID))
	for id, s := range r.byID {
		cp, ok := s.Checkpoint()
		if !ok {
			continue
		}
		r.byCall[id] = s
		out = append(out, wire.NewStreamResumeEnvelope(wire.StreamResume{
			StreamID:         cp.StreamID,
			ActorID:          cp.ActorID,
			TargetIdentifier: cp.Method,
			LastSequence:     cp.LastSequence,
		}))
	}
	return out
}

// Active returns the number of live streams.
func (r *ClientRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *ClientRegistry) take(streamID string) *ClientStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		logger.Debug("terminal event for unknown stream, dropping", "streamID", streamID)
		return nil
	}
	delete(r.byID, streamID)
	delete(r.byCall, s.callID)
	return s
}

// ClientStream is the consumer's handle on one observed property. Several
// local observers can share it; each gets its own delivery channel.
type ClientStream struct {
	callID string
	actor  wire.ActorID
	method string

	decoder *Decoder // nil unless delta-enabled

	mu        sync.Mutex
	id        string
	lastSeq   uint64
	history   []wire.StreamData
	observers map[int]chan wire.StreamData
	nextObs   int
	done      chan struct{}
	endReason wire.EndReason
	endErr    *wire.Error
	ended     bool
}

func newClientStream(callID string, actor wire.ActorID, method string, delta bool) *ClientStream {
	s := &ClientStream{
		callID:    callID,
		actor:     actor,
		method:    method,
		observers: make(map[int]chan wire.StreamData),
		done:      make(chan struct{}),
	}
	if delta {
		s.decoder = &Decoder{}
	}
	return s
}

// CallID returns the invocation this stream answers.
func (s *ClientStream) CallID() string {
	return s.callID
}

// ID returns the server-assigned stream ID, empty until bound.
func (s *ClientStream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Checkpoint captures the stream's resumption state. Reports false while
// the stream is not yet bound.
func (s *ClientStream) Checkpoint() (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return Checkpoint{}, false
	}
	return Checkpoint{
		StreamID:     s.id,
		LastSequence: s.lastSeq,
		ActorID:      s.actor,
		Method:       s.method,
	}, true
}

// Observe attaches a local observer. The returned cancel detaches it and
// closes its channel. Values arriving while the observer's channel is full
// are missed by that observer only.
func (s *ClientStream) Observe() (<-chan wire.StreamData, func()) {
	ch := make(chan wire.StreamData, observerBuffer)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	idx := s.nextObs
	s.nextObs++
	s.observers[idx] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.observers[idx]; ok {
			delete(s.observers, idx)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Last returns the most recently observed value.
func (s *ClientStream) Last() (wire.StreamData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return wire.StreamData{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of the locally retained values, oldest first.
func (s *ClientStream) History() []wire.StreamData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.StreamData, len(s.history))
	copy(out, s.history)
	return out
}

// Done is closed once the stream terminates.
func (s *ClientStream) Done() <-chan struct{} {
	return s.done
}

// EndReason reports why the stream terminated. Meaningful after Done.
func (s *ClientStream) EndReason() wire.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Err returns the terminal error, if the stream failed.
func (s *ClientStream) Err() *wire.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

func (s *ClientStream) receive(data *wire.StreamData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	if data.SequenceNumber <= s.lastSeq {
		logger.Debug("duplicate stream data, dropping",
			"streamID", data.StreamID, "seq", data.SequenceNumber, "lastSeq", s.lastSeq)
		return nil
	}
	s.lastSeq = data.SequenceNumber

	value := *data
	if s.decoder != nil {
		full, err := s.decoder.Decode(data.Data)
		if err != nil {
			return err
		}
		value.Data = full
	}

	s.history = append(s.history, value)
	if len(s.history) > clientHistoryCap {
		s.history = s.history[1:]
	}
	for _, ch := range s.observers {
		select {
		case ch <- value:
		default:
			logger.Debug("observer lagging, value missed",
				"streamID", data.StreamID, "seq", data.SequenceNumber)
		}
	}
	return nil
}

func (s *ClientStream) terminate(reason wire.EndReason, ferr *wire.Error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endReason = reason
	s.endErr = ferr
	for idx, ch := range s.observers {
		delete(s.observers, idx)
		close(ch)
	}
	s.mu.Unlock()
	close(s.done)
}
