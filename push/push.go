// Package push delivers server-initiated stream traffic to downstream
// clients over WebSocket connections.
//
// HTTP request/response is not duplex, so observations invoked over HTTP
// need a second channel for their stream envelopes. A client opens one
// WebSocket through the connect endpoint, quotes the connection ID it was
// assigned in later streaming invocations, and receives StreamStart,
// StreamData, and StreamEnd envelopes over that socket. Connection records
// persist in a Registry keyed by connection ID with a secondary index by
// actor, which lets the change-feed Bridge fan state store updates out to
// every connection observing the changed actor, and lets a reconnecting
// client resume its stream from the last delivered sequence number.
package push

import (
	"context"
	"errors"
	"time"

	"github.com/briannadoubt/trebuchet/wire"
)

// DefaultTTL is the record lease applied when a connection carries no TTL.
// Records that see no traffic for this long are forgotten, which bounds how
// stale a resume checkpoint can get.
const DefaultTTL = 24 * time.Hour

// ErrUnknownConnection is returned when no record exists for a connection ID.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrInvalidConnection is returned when a record carries no connection ID.
var ErrInvalidConnection = errors.New("connection id required")

// Connection describes one registered push subscriber and the stream riding
// its socket. A record outlives the socket itself: when the client drops
// without a close frame the record stays for its TTL so the client can
// reconnect and resume from LastSequence.
type Connection struct {
	// ConnectionID names the WebSocket the traffic rides.
	ConnectionID string `json:"connectionId"`
	// Actor is the actor whose property the connection observes.
	Actor wire.ActorID `json:"actorId"`
	// StreamID is the stream bound to this connection, empty until an
	// observation starts.
	StreamID string `json:"streamId,omitempty"`
	// Target is the observed property identifier, needed to re-anchor the
	// stream when a resume outlives the replay buffer.
	Target string `json:"targetIdentifier,omitempty"`
	// LastSequence is the highest sequence number delivered so far.
	LastSequence uint64 `json:"lastSequence"`
	// ConnectedAt is when the connection first registered.
	ConnectedAt time.Time `json:"connectedAt"`
	// TTL is the record lease, refreshed by every delivery.
	TTL time.Duration `json:"ttl"`
}

// Registry persists connection records and answers which connections
// observe a given actor. Implementations index records both by connection
// ID and by the logical actor ID.
type Registry interface {
	// Put registers or replaces the record for its connection ID.
	// A zero TTL selects DefaultTTL; a record without a connection ID is
	// rejected with ErrInvalidConnection.
	Put(ctx context.Context, conn Connection) error

	// Get returns the record for a connection ID.
	// Returns ErrUnknownConnection when no live record exists.
	Get(ctx context.Context, connectionID string) (Connection, error)

	// ByActor returns every live record observing the logical actor ID,
	// sorted by connection ID.
	ByActor(ctx context.Context, actorID string) ([]Connection, error)

	// Touch advances the delivery checkpoint and renews the record lease.
	// Returns ErrUnknownConnection when no live record exists.
	Touch(ctx context.Context, connectionID string, lastSequence uint64) error

	// Remove deletes the record and its actor index entry. Removing an
	// absent record is a no-op.
	Remove(ctx context.Context, connectionID string) error
}
