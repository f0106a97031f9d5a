package statestore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/wire"
)

// watchBuffer is the channel capacity of a single watch subscription.
// Events beyond this backlog are dropped for that subscriber.
const watchBuffer = 64

// MemoryStore provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for development, testing, and single-host
// deployments. For distributed systems, use RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	watchers    map[int]*memWatcher
	nextWatcher int
}

type memEntry struct {
	value   json.RawMessage
	version int64
}

type memWatcher struct {
	prefix string
	ch     chan Event
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memEntry),
		watchers: make(map[int]*memWatcher),
	}
}

// Load retrieves the state document and version for a key.
// Returns a copy to prevent external mutations.
func (s *MemoryStore) Load(ctx context.Context, key string) (json.RawMessage, int64, error) {
	if key == "" {
		return nil, 0, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return cloneRaw(entry.value), entry.version, nil
}

// Save persists the document unconditionally and bumps the version.
func (s *MemoryStore) Save(ctx context.Context, key string, value json.RawMessage) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.entries[key].version + 1
	s.entries[key] = memEntry{value: cloneRaw(value), version: version}
	s.publishLocked(Event{Type: EventPut, Key: key, Value: cloneRaw(value), Version: version})
	return version, nil
}

// SaveIfVersion persists the document only when the stored version matches
// expected. Expected 0 makes the save create-only.
func (s *MemoryStore) SaveIfVersion(ctx context.Context, key string, value json.RawMessage, expected int64) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[key].version
	if current != expected {
		return 0, wire.VersionConflict(expected, current)
	}

	version := current + 1
	s.entries[key] = memEntry{value: cloneRaw(value), version: version}
	s.publishLocked(Event{Type: EventPut, Key: key, Value: cloneRaw(value), Version: version})
	return version, nil
}

// GetVersion returns the current version, or 0 when the key is absent.
func (s *MemoryStore) GetVersion(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].version, nil
}

// Delete removes the document. Returns ErrNotFound if the key is absent.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	s.publishLocked(Event{Type: EventDelete, Key: key})
	return nil
}

// Exists reports whether the key currently holds a document.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

// Watch subscribes to change events for keys with the given prefix.
func (s *MemoryStore) Watch(ctx context.Context, prefix string) (*Subscription, error) {
	w := &memWatcher{prefix: prefix, ch: make(chan Event, watchBuffer)}

	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = w
	s.mu.Unlock()

	stopped := make(chan struct{})
	sub := &Subscription{events: w.ch}
	sub.stop = func() {
		close(stopped)
		s.mu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w.ch)
		}
		s.mu.Unlock()
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

// publishLocked fans an event out to matching watchers.
// Callers must hold s.mu; sends never block.
func (s *MemoryStore) publishLocked(ev Event) {
	for _, w := range s.watchers {
		if w.prefix != "" && !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			logger.Warn("state watch buffer full, dropping event",
				"key", ev.Key, "version", ev.Version)
		}
	}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
