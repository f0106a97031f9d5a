// Package wire defines the envelope protocol shared by every trebuchet
// transport: the tagged envelope union, its JSON encoding, length-prefixed
// framing, actor identity, protocol version negotiation, and the canonical
// error model.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// ActorID names an actor and the endpoint that hosts it. The id is a
// logical, user-chosen name unique within the host's namespace and stable
// for the actor's lifetime; host and port are the routing key.
type ActorID struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// NewActorID builds an ActorID.
func NewActorID(id, host string, port uint16) ActorID {
	return ActorID{ID: id, Host: host, Port: port}
}

// String renders the ID in id@host:port form.
func (a ActorID) String() string {
	return fmt.Sprintf("%s@%s:%d", a.ID, a.Host, a.Port)
}

// Endpoint returns the host:port address the actor is routed through.
func (a ActorID) Endpoint() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LocalTo reports whether the actor lives on the node listening at
// host:port. An actor is local exactly when its endpoint matches the
// node's listening endpoint.
func (a ActorID) LocalTo(host string, port uint16) bool {
	return a.Host == host && a.Port == port
}

// NewCallID allocates a correlation ID for one invocation.
func NewCallID() string {
	return uuid.NewString()
}

// NewStreamID allocates an identifier for one stream.
func NewStreamID() string {
	return uuid.NewString()
}

// NewConnectionID allocates an identifier for one push-fabric connection.
func NewConnectionID() string {
	return uuid.NewString()
}
