// Package statestore provides versioned actor state persistence.
//
// Stores keep one JSON document per actor together with a monotonically
// increasing version number. Version 0 means the document has never been
// created. Conditional saves compare the caller's expected version against
// the stored one and fail with a versionConflict error on mismatch, which
// gives actors optimistic concurrency control without holding locks across
// a network round trip.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Store defines the interface for versioned actor state storage.
type Store interface {
	// Load retrieves the state document and its current version.
	// Returns ErrNotFound if the key has never been created.
	Load(ctx context.Context, key string) (json.RawMessage, int64, error)

	// Save persists the state document unconditionally and returns the new
	// version. The first save of a key yields version 1.
	Save(ctx context.Context, key string, value json.RawMessage) (int64, error)

	// SaveIfVersion persists the document only when the stored version equals
	// expected. Passing expected 0 makes the save create-only: it fails if the
	// key already exists. On mismatch the returned error carries kind
	// versionConflict along with the expected and actual versions.
	SaveIfVersion(ctx context.Context, key string, value json.RawMessage, expected int64) (int64, error)

	// GetVersion returns the current version, or 0 when the key is absent.
	GetVersion(ctx context.Context, key string) (int64, error)

	// Delete removes the document and resets its version to 0.
	// Returns ErrNotFound if the key is absent.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key currently holds a document.
	Exists(ctx context.Context, key string) (bool, error)
}

// Watcher is an optional interface for stores that can emit a change feed.
// Consumers type-assert for it and fall back to polling when unavailable.
type Watcher interface {
	// Watch subscribes to change events for keys with the given prefix.
	// An empty prefix matches every key. The subscription stays open until
	// Close is called or ctx is cancelled.
	Watch(ctx context.Context, prefix string) (*Subscription, error)
}

// EventType discriminates change feed events.
type EventType string

const (
	// EventPut signals that a key was created or overwritten.
	EventPut EventType = "put"
	// EventDelete signals that a key was removed.
	EventDelete EventType = "delete"
)

// Event describes a single state change observed through a Watcher.
type Event struct {
	Type    EventType       `json:"type"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version int64           `json:"version"`
}

// Subscription delivers change events until closed. Slow consumers lose
// events rather than block writers; the channel buffer absorbs short bursts.
type Subscription struct {
	events chan Event

	once sync.Once
	stop func()
}

// Events returns the channel on which change events are delivered.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close terminates the subscription and releases its resources.
// It is safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

// ErrNotFound is returned when a key doesn't exist in the store.
var ErrNotFound = errors.New("state not found")

// ErrInvalidKey is returned when an empty key is passed to a store operation.
var ErrInvalidKey = errors.New("invalid state key")
