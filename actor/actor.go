// Package actor implements the distributed actor runtime: exposing actors
// under stable names, resolving local and remote references, serial method
// dispatch, and streamed properties fanned out to subscribers.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/briannadoubt/trebuchet/wire"
)

// ErrUnknownMethod is returned by handlers for methods they do not
// implement. Callers see it as an actorNotFound error naming the method.
var ErrUnknownMethod = errors.New("unknown method")

// Handler is the behavior of an exposed actor. Invoke runs one method and
// returns the encoded result; the system guarantees methods run one at a
// time per actor, so handlers need no internal locking for actor state.
type Handler interface {
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// Streamer is implemented by actors that expose streamed properties.
// Expose binds the returned set to the system's fanout.
type Streamer interface {
	Properties() *Properties
}

// Sender delivers envelopes to remote endpoints. The transport layer's
// connection pool implements it.
type Sender interface {
	Send(ctx context.Context, endpoint string, env wire.Envelope) error
}

// Call is one decoded method invocation. Args are pre-encoded per-argument
// payloads; the runtime never re-encodes them.
type Call struct {
	Method   string
	Args     [][]byte
	Generics []string
	Metadata map[string]string
}

// Arg returns the i-th argument, or nil when absent.
func (c Call) Arg(i int) []byte {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// DecodeArg unmarshals the i-th argument into v.
func (c Call) DecodeArg(i int, v any) error {
	raw := c.Arg(i)
	if raw == nil {
		return fmt.Errorf("argument %d of %q is missing", i, c.Method)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("argument %d of %q: %w", i, c.Method, err)
	}
	return nil
}
