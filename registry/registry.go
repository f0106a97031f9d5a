// Package registry provides actor endpoint discovery.
//
// Hosts register the actors they expose under a TTL and refresh the lease
// with heartbeats; clients resolve an actor ID to one or all of its live
// endpoints. Registrations that stop heartbeating expire on their own, so a
// crashed host disappears from resolution without explicit cleanup.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL is the registration lease applied when an entry carries no TTL.
const DefaultTTL = 30 * time.Second

// Entry describes one registered actor endpoint.
type Entry struct {
	// ID is the actor identity the endpoint serves.
	ID string `json:"id"`
	// Endpoint is the host:port the actor is reachable at.
	Endpoint string `json:"endpoint"`
	// Metadata carries opaque registration attributes, such as the
	// transport kind or availability zone.
	Metadata map[string]string `json:"metadata,omitempty"`
	// TTL is the lease duration refreshed by each heartbeat.
	TTL time.Duration `json:"ttl"`
	// ExpiresAt is when the lease lapses without a heartbeat.
	ExpiresAt time.Time `json:"expiresAt"`
}

// EventType discriminates watch events.
type EventType string

const (
	// EventUpdated signals a new or re-registered endpoint.
	EventUpdated EventType = "updated"
	// EventRemoved signals a deregistered or expired endpoint.
	EventRemoved EventType = "removed"
)

// Event describes a registration change observed through Watch.
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Registry defines the interface for actor endpoint discovery.
type Registry interface {
	// Register adds or replaces the entry for (ID, Endpoint) under its TTL.
	// A zero TTL selects DefaultTTL.
	Register(ctx context.Context, entry Entry) error

	// Resolve returns one live endpoint for the actor ID.
	// Returns ErrNotFound when no live registration exists.
	Resolve(ctx context.Context, id string) (Entry, error)

	// ResolveAll returns every live endpoint for the actor ID.
	ResolveAll(ctx context.Context, id string) ([]Entry, error)

	// Deregister removes the entry for (id, endpoint).
	// Returns ErrNotFound when no such registration exists.
	Deregister(ctx context.Context, id, endpoint string) error

	// Heartbeat extends the lease for (id, endpoint) by its TTL.
	// Returns ErrNotFound when the lease has already lapsed.
	Heartbeat(ctx context.Context, id, endpoint string) error

	// List returns the distinct live actor IDs matching the prefix,
	// sorted. An empty prefix matches everything.
	List(ctx context.Context, prefix string) ([]string, error)

	// Watch subscribes to registration changes for actor IDs with the
	// given prefix. Heartbeats do not produce events.
	Watch(ctx context.Context, prefix string) (*Subscription, error)
}

// Subscription delivers registration events until closed. Slow consumers
// lose events rather than block registrars.
type Subscription struct {
	events chan Event

	once sync.Once
	stop func()
}

// Events returns the channel on which events are delivered.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close terminates the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

// ErrNotFound is returned when an actor has no live registration.
var ErrNotFound = errors.New("no live registration")

// ErrInvalidEntry is returned when a registration lacks an ID or endpoint.
var ErrInvalidEntry = errors.New("registration needs an id and an endpoint")
