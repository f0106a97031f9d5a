package push

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// MetadataConnectionID is the invocation metadata key naming the push
// connection a streaming subscription should ride.
const MetadataConnectionID = "x-connection-id"

// BinderConfig configures a Binder.
type BinderConfig struct {
	// Fabric delivers the stream envelopes.
	Fabric Fabric

	// Registry records which stream each connection follows.
	Registry Registry

	// TTL is the lease applied to records the binder writes.
	// Defaults to DefaultTTL.
	TTL time.Duration

	// Clock stamps registrations. Defaults to the real clock.
	Clock clockwork.Clock
}

// Binder resolves streaming invocations to push connections. It implements
// the HTTP transport's SinkProvider: an invocation whose metadata names an
// attached connection gets a sink that writes the stream onto that
// connection and keeps the registry checkpoint current.
type Binder struct {
	cfg BinderConfig
}

// NewBinder creates a Binder.
func NewBinder(cfg BinderConfig) *Binder {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Binder{cfg: cfg}
}

// SinkFor returns a sink writing to the connection the invocation names,
// or false when the invocation carries no usable push binding.
func (b *Binder) SinkFor(inv *wire.Invocation) (stream.Sink, bool) {
	id := strings.TrimSpace(inv.Metadata[MetadataConnectionID])
	if id == "" || !b.cfg.Fabric.Attached(id) {
		return nil, false
	}
	return b.sink(id), true
}

func (b *Binder) sink(connectionID string) *pushSink {
	return &pushSink{b: b, connectionID: connectionID}
}

// pushSink writes one subscription's stream envelopes to a push connection
// and mirrors the stream's progress into the registry, so a later resume
// knows where the connection left off.
type pushSink struct {
	b            *Binder
	connectionID string
}

func (s *pushSink) Send(env *wire.Envelope) error {
	ctx := context.Background()

	if env.Type == wire.TypeStreamEnd && env.StreamEnd.Reason == wire.EndConnectionClosed {
		// Streams end with connectionClosed when a resume supersedes the
		// old subscription; the successor rides the same connection ID, so
		// forwarding the end would tear down the stream it just took over.
		return nil
	}

	if env.Type == wire.TypeStreamStart {
		rec := Connection{
			ConnectionID: s.connectionID,
			Actor:        env.StreamStart.ActorID,
			StreamID:     env.StreamStart.StreamID,
			Target:       env.StreamStart.TargetIdentifier,
			ConnectedAt:  s.b.cfg.Clock.Now().UTC(),
			TTL:          s.b.cfg.TTL,
		}
		if err := s.b.cfg.Registry.Put(ctx, rec); err != nil {
			// Delivery still proceeds; only resume is degraded.
			logger.Warn("push registration failed",
				"connectionId", s.connectionID, "error", err)
		}
	}

	if err := s.b.cfg.Fabric.Send(ctx, s.connectionID, env); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			_ = s.b.cfg.Registry.Remove(ctx, s.connectionID)
		}
		return err
	}

	switch env.Type {
	case wire.TypeStreamData:
		if err := s.b.cfg.Registry.Touch(ctx, s.connectionID, env.StreamData.SequenceNumber); err != nil &&
			!errors.Is(err, ErrUnknownConnection) {
			logger.Warn("push checkpoint update failed",
				"connectionId", s.connectionID, "error", err)
		}
	case wire.TypeStreamEnd:
		_ = s.b.cfg.Registry.Remove(ctx, s.connectionID)
	}
	return nil
}
