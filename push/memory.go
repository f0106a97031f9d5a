package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// reapInterval is how often expired connection records are swept out.
const reapInterval = time.Minute

// MemoryRegistry provides an in-process implementation of the Registry
// interface. It is thread-safe and suitable for tests and single-host
// deployments; use RedisRegistry when several hosts share one fabric.
type MemoryRegistry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	conns   map[string]memConn
	byActor map[string]map[string]struct{} // actor ID -> connection IDs

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memConn struct {
	conn      Connection
	expiresAt time.Time
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock substitutes the wall clock, letting tests drive record expiry.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(r *MemoryRegistry) {
		r.clock = clock
	}
}

// NewMemoryRegistry creates an in-process connection registry and starts
// its sweep loop. Call Close to stop the loop.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		clock:   clockwork.NewRealClock(),
		conns:   make(map[string]memConn),
		byActor: make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.reapLoop()
	return r
}

// Close stops the sweep loop. Safe to call multiple times.
func (r *MemoryRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Put registers or replaces the record for its connection ID.
func (r *MemoryRegistry) Put(ctx context.Context, conn Connection) error {
	if conn.ConnectionID == "" {
		return ErrInvalidConnection
	}
	if conn.TTL <= 0 {
		conn.TTL = DefaultTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[conn.ConnectionID]; ok {
		r.unindexLocked(prev.conn)
	}
	r.conns[conn.ConnectionID] = memConn{
		conn:      conn,
		expiresAt: r.clock.Now().Add(conn.TTL),
	}
	r.indexLocked(conn)
	return nil
}

// Get returns the record for a connection ID.
func (r *MemoryRegistry) Get(ctx context.Context, connectionID string) (Connection, error) {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connectionID]
	if !ok || !now.Before(entry.expiresAt) {
		return Connection{}, ErrUnknownConnection
	}
	return entry.conn, nil
}

// ByActor returns every live record observing the logical actor ID.
func (r *MemoryRegistry) ByActor(ctx context.Context, actorID string) ([]Connection, error) {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]Connection, 0, len(r.byActor[actorID]))
	for id := range r.byActor[actorID] {
		entry, ok := r.conns[id]
		if !ok || !now.Before(entry.expiresAt) {
			continue
		}
		live = append(live, entry.conn)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ConnectionID < live[j].ConnectionID })
	return live, nil
}

// Touch advances the delivery checkpoint and renews the record lease.
func (r *MemoryRegistry) Touch(ctx context.Context, connectionID string, lastSequence uint64) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if !now.Before(entry.expiresAt) {
		// The lease already lapsed; the client must reconnect.
		r.removeLocked(connectionID, entry.conn)
		return ErrUnknownConnection
	}
	entry.conn.LastSequence = lastSequence
	entry.expiresAt = now.Add(entry.conn.TTL)
	r.conns[connectionID] = entry
	return nil
}

// Remove deletes the record and its actor index entry.
func (r *MemoryRegistry) Remove(ctx context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	r.removeLocked(connectionID, entry.conn)
	return nil
}

func (r *MemoryRegistry) indexLocked(conn Connection) {
	if conn.Actor.ID == "" {
		return
	}
	set, ok := r.byActor[conn.Actor.ID]
	if !ok {
		set = make(map[string]struct{})
		r.byActor[conn.Actor.ID] = set
	}
	set[conn.ConnectionID] = struct{}{}
}

func (r *MemoryRegistry) unindexLocked(conn Connection) {
	if conn.Actor.ID == "" {
		return
	}
	set, ok := r.byActor[conn.Actor.ID]
	if !ok {
		return
	}
	delete(set, conn.ConnectionID)
	if len(set) == 0 {
		delete(r.byActor, conn.Actor.ID)
	}
}

func (r *MemoryRegistry) removeLocked(connectionID string, conn Connection) {
	delete(r.conns, connectionID)
	r.unindexLocked(conn)
}

func (r *MemoryRegistry) reapLoop() {
	ticker := r.clock.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.reap()
		case <-r.stopCh:
			return
		}
	}
}

func (r *MemoryRegistry) reap() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.conns {
		if !now.Before(entry.expiresAt) {
			r.removeLocked(id, entry.conn)
		}
	}
}
