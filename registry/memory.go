package registry

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/briannadoubt/trebuchet/logger"
)

const (
	// reapInterval is how often expired registrations are swept out.
	reapInterval = 5 * time.Second

	// watchBuffer is the channel capacity of a single watch subscription.
	watchBuffer = 64
)

// MemoryRegistry provides an in-process implementation of the Registry
// interface. It is thread-safe and suitable for tests and single-host
// deployments; use RedisRegistry when several hosts share discovery.
type MemoryRegistry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]map[string]Entry // id -> endpoint -> entry

	watchers    map[int]*memWatcher
	nextWatcher int

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memWatcher struct {
	prefix string
	ch     chan Event
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock substitutes the wall clock, letting tests drive lease expiry.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(r *MemoryRegistry) {
		r.clock = clock
	}
}

// NewMemoryRegistry creates an in-process registry and starts its sweep
// loop. Call Close to stop the loop.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		clock:    clockwork.NewRealClock(),
		entries:  make(map[string]map[string]Entry),
		watchers: make(map[int]*memWatcher),
		stopCh:   make(chan struct{}),
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

// Register adds or replaces the entry for (ID, Endpoint) under its TTL.
func (r *MemoryRegistry) Register(ctx context.Context, entry Entry) error {
	if entry.ID == "" || entry.Endpoint == "" {
		return ErrInvalidEntry
	}
	if entry.TTL <= 0 {
		entry.TTL = DefaultTTL
	}
	entry.Metadata = cloneMeta(entry.Metadata)
	entry.ExpiresAt = r.clock.Now().Add(entry.TTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	byEndpoint, ok := r.entries[entry.ID]
	if !ok {
		byEndpoint = make(map[string]Entry)
		r.entries[entry.ID] = byEndpoint
	}
	byEndpoint[entry.Endpoint] = entry
	r.publishLocked(Event{Type: EventUpdated, Entry: entry})
	return nil
}

// Resolve returns one live endpoint for the actor ID, chosen at random to
// spread load across replicas.
func (r *MemoryRegistry) Resolve(ctx context.Context, id string) (Entry, error) {
	live, err := r.ResolveAll(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return live[rand.IntN(len(live))], nil
}

// ResolveAll returns every live endpoint for the actor ID, sorted by
// endpoint.
func (r *MemoryRegistry) ResolveAll(ctx context.Context, id string) ([]Entry, error) {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []Entry
	for _, entry := range r.entries[id] {
		if now.Before(entry.ExpiresAt) {
			live = append(live, entry)
		}
	}
	if len(live) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Endpoint < live[j].Endpoint })
	return live, nil
}

// Deregister removes the entry for (id, endpoint).
func (r *MemoryRegistry) Deregister(ctx context.Context, id, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id][endpoint]
	if !ok {
		return ErrNotFound
	}
	r.removeLocked(id, endpoint)
	r.publishLocked(Event{Type: EventRemoved, Entry: entry})
	return nil
}

// Heartbeat extends the lease for (id, endpoint) by its TTL.
func (r *MemoryRegistry) Heartbeat(ctx context.Context, id, endpoint string) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id][endpoint]
	if !ok {
		return ErrNotFound
	}
	if !now.Before(entry.ExpiresAt) {
		// The lease already lapsed; the holder must re-register.
		r.removeLocked(id, endpoint)
		return ErrNotFound
	}
	entry.ExpiresAt = now.Add(entry.TTL)
	r.entries[id][endpoint] = entry
	return nil
}

// List returns the distinct live actor IDs matching the prefix, sorted.
func (r *MemoryRegistry) List(ctx context.Context, prefix string) ([]string, error) {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id, byEndpoint := range r.entries {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		for _, entry := range byEndpoint {
			if now.Before(entry.ExpiresAt) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch subscribes to registration changes for actor IDs with the given
// prefix.
func (r *MemoryRegistry) Watch(ctx context.Context, prefix string) (*Subscription, error) {
	w := &memWatcher{prefix: prefix, ch: make(chan Event, watchBuffer)}

	r.mu.Lock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = w
	r.mu.Unlock()

	stopped := make(chan struct{})
	sub := &Subscription{events: w.ch}
	sub.stop = func() {
		close(stopped)
		r.mu.Lock()
		if _, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(w.ch)
		}
		r.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-stopped:
		}
	}()

	return sub, nil
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

// reap drops expired registrations and notifies watchers.
func (r *MemoryRegistry) reap() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, byEndpoint := range r.entries {
		for endpoint, entry := range byEndpoint {
			if now.Before(entry.ExpiresAt) {
				continue
			}
			r.removeLocked(id, endpoint)
			r.publishLocked(Event{Type: EventRemoved, Entry: entry})
		}
	}
}

// removeLocked deletes one registration. Callers must hold r.mu.
func (r *MemoryRegistry) removeLocked(id, endpoint string) {
	byEndpoint := r.entries[id]
	delete(byEndpoint, endpoint)
	if len(byEndpoint) == 0 {
		delete(r.entries, id)
	}
}

// publishLocked fans an event out to matching watchers.
// Callers must hold r.mu; sends never block.
func (r *MemoryRegistry) publishLocked(ev Event) {
	for _, w := range r.watchers {
		if w.prefix != "" && !strings.HasPrefix(ev.Entry.ID, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			logger.Warn("registry watch buffer full, dropping event",
				"actor", ev.Entry.ID, "endpoint", ev.Entry.Endpoint)
		}
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
