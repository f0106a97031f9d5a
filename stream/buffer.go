package stream

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

const (
	// DefaultBufferCapacity is how many values one stream retains for
	// resumption.
	DefaultBufferCapacity = 100

	// DefaultBufferTTL is how long an idle buffer survives. Activity is
	// any append or replay.
	DefaultBufferTTL = 300 * time.Second

	// sweepInterval is how often idle buffers are swept out eagerly;
	// expiry is also checked lazily on every lookup.
	sweepInterval = 60 * time.Second
)

// Buffer retains the most recent complete values sent on one stream so a
// reconnecting subscriber can catch up. It also owns the stream's sequence
// counter: sequences start at 1 and never repeat within a stream.
type Buffer struct {
	streamID string

	mu           sync.Mutex
	capacity     int
	entries      []wire.StreamData
	nextSeq      uint64
	lastActivity time.Time
}

func newBuffer(streamID string, capacity int, now time.Time) *Buffer {
	return &Buffer{
		streamID:     streamID,
		capacity:     capacity,
		nextSeq:      1,
		lastActivity: now,
	}
}

// StreamID returns the stream this buffer belongs to.
func (b *Buffer) StreamID() string {
	return b.streamID
}

// Append records a complete value under the next sequence number and
// returns the entry. The oldest entry is evicted once the buffer is full.
func (b *Buffer) Append(value []byte, now time.Time) wire.StreamData {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := wire.StreamData{
		StreamID:       b.streamID,
		SequenceNumber: b.nextSeq,
		Data:           value,
		Timestamp:      now,
	}
	b.nextSeq++
	b.lastActivity = now

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[1:]
		prommetrics.RecordBufferEviction("capacity")
	}
	return entry
}

// Since returns the retained entries with sequence numbers past lastSeq,
// in order. Counts as activity for TTL purposes.
func (b *Buffer) Since(lastSeq uint64, now time.Time) []wire.StreamData {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActivity = now

	var out []wire.StreamData
	for _, entry := range b.entries {
		if entry.SequenceNumber > lastSeq {
			out = append(out, entry)
		}
	}
	return out
}

func (b *Buffer) expired(now time.Time, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastActivity) > ttl
}

// BufferSet owns the replay buffers of every stream a host serves. Buffers
// outlive their subscriber so a dropped connection can still resume; idle
// ones are dropped lazily on lookup and eagerly by a sweep loop.
type BufferSet struct {
	clock    clockwork.Clock
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	buffers map[string]*Buffer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// BufferSetOption configures a BufferSet.
type BufferSetOption func(*BufferSet)

// WithBufferCapacity sets how many values each stream retains.
func WithBufferCapacity(n int) BufferSetOption {
	return func(s *BufferSet) {
		s.capacity = n
	}
}

// WithBufferTTL sets how long an idle buffer survives.
func WithBufferTTL(ttl time.Duration) BufferSetOption {
	return func(s *BufferSet) {
		s.ttl = ttl
	}
}

// WithBufferClock substitutes the wall clock, letting tests drive expiry.
func WithBufferClock(clock clockwork.Clock) BufferSetOption {
	return func(s *BufferSet) {
		s.clock = clock
	}
}

// NewBufferSet creates the buffer set and starts its sweep loop.
// Call Close to stop the loop.
func NewBufferSet(opts ...BufferSetOption) *BufferSet {
	s := &BufferSet{
		clock:    clockwork.NewRealClock(),
		capacity: DefaultBufferCapacity,
		ttl:      DefaultBufferTTL,
		buffers:  make(map[string]*Buffer),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweep loop. Safe to call multiple times.
func (s *BufferSet) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Create allocates a fresh buffer for a new stream, replacing any previous
// buffer under the same ID.
func (s *BufferSet) Create(streamID string) *Buffer {
	b := newBuffer(streamID, s.capacity, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[streamID] = b
	return b
}

// Lookup returns the live buffer for a stream. An expired buffer is
// dropped on the spot and reported as absent, which is what forces a
// resume to restart.
func (s *BufferSet) Lookup(streamID string) (*Buffer, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[streamID]
	if !ok {
		return nil, false
	}
	if b.expired(now, s.ttl) {
		delete(s.buffers, streamID)
		prommetrics.RecordBufferEviction("ttl")
		return nil, false
	}
	return b, true
}

// Remove drops the buffer for a stream that ended cleanly.
func (s *BufferSet) Remove(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, streamID)
}

// Now returns the set's current time, so owners stamp entries with the
// same clock that drives expiry.
func (s *BufferSet) Now() time.Time {
	return s.clock.Now()
}

func (s *BufferSet) sweepLoop() {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *BufferSet) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, b := range s.buffers {
		if b.expired(now, s.ttl) {
			delete(s.buffers, id)
			prommetrics.RecordBufferEviction("ttl")
		}
	}
}
