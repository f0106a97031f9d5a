package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/statestore"
	"github.com/briannadoubt/trebuchet/wire"
)

// DefaultSendLimit caps how many deliveries of one change event run at once.
const DefaultSendLimit = 16

// BridgeConfig configures a change-feed bridge.
type BridgeConfig struct {
	// Watcher is the state store feed the bridge follows.
	Watcher statestore.Watcher

	// Registry resolves which connections observe each actor.
	Registry Registry

	// Sender delivers the rendered stream envelopes.
	Sender Sender

	// Prefix narrows the watch to keys with this prefix. Empty watches
	// every key.
	Prefix string

	// SendLimit caps concurrent deliveries per event.
	// Defaults to DefaultSendLimit.
	SendLimit int

	// Clock stamps outgoing stream data. Defaults to the real clock.
	Clock clockwork.Clock
}

// Bridge turns state store changes into push deliveries. Every change event
// fans out to the connections registered against the changed actor; the
// store version number doubles as the stream sequence number, so deliveries
// through the bridge and deliveries through a stream resume agree on
// ordering. One broken connection never blocks the others.
type Bridge struct {
	cfg BridgeConfig

	ready     chan struct{}
	readyOnce sync.Once
}

// NewBridge creates a Bridge. Call Run to start it.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.SendLimit <= 0 {
		cfg.SendLimit = DefaultSendLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Bridge{cfg: cfg, ready: make(chan struct{})}
}

// Ready is closed once Run has established the change feed subscription.
// Changes saved after that point reach registered connections.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run follows the change feed until ctx is cancelled or the feed closes.
// Events are processed one at a time; the deliveries within one event run
// concurrently.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.cfg.Watcher.Watch(ctx, b.cfg.Prefix)
	if err != nil {
		return fmt.Errorf("watch state feed: %w", err)
	}
	defer sub.Close()
	b.readyOnce.Do(func() { close(b.ready) })

	ctx = logger.WithComponent(ctx, "push-bridge")
	logger.InfoContext(ctx, "change feed bridge running", "prefix", b.cfg.Prefix)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b.fanout(ctx, ev)
		}
	}
}

func (b *Bridge) fanout(ctx context.Context, ev statestore.Event) {
	conns, err := b.cfg.Registry.ByActor(ctx, ev.Key)
	if err != nil {
		logger.WarnContext(ctx, "push lookup failed", "actor", ev.Key, "error", err)
		return
	}
	if len(conns) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.SendLimit)
	for _, conn := range conns {
		g.Go(func() error {
			b.deliver(ctx, conn, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bridge) deliver(ctx context.Context, conn Connection, ev statestore.Event) {
	if conn.StreamID == "" {
		// Registered but not yet observing anything.
		return
	}

	var env wire.Envelope
	switch ev.Type {
	case statestore.EventDelete:
		env = wire.NewStreamEndEnvelope(conn.StreamID, wire.EndActorTerminated)
	default:
		seq := uint64(ev.Version)
		if seq <= conn.LastSequence {
			// Already delivered, likely through a resume replay.
			return
		}
		env = wire.NewStreamDataEnvelope(wire.StreamData{
			StreamID:       conn.StreamID,
			SequenceNumber: seq,
			Data:           []byte(ev.Value),
			Timestamp:      b.cfg.Clock.Now().UTC(),
		})
	}

	if err := b.cfg.Sender.Send(ctx, conn.ConnectionID, &env); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			_ = b.cfg.Registry.Remove(ctx, conn.ConnectionID)
			logger.InfoContext(ctx, "push connection gone",
				"connectionId", conn.ConnectionID)
			return
		}
		logger.WarnContext(ctx, "push delivery failed",
			"connectionId", conn.ConnectionID, "actor", ev.Key, "error", err)
		return
	}

	switch ev.Type {
	case statestore.EventDelete:
		_ = b.cfg.Registry.Remove(ctx, conn.ConnectionID)
	default:
		if err := b.cfg.Registry.Touch(ctx, conn.ConnectionID, uint64(ev.Version)); err != nil &&
			!errors.Is(err, ErrUnknownConnection) {
			logger.WarnContext(ctx, "push checkpoint update failed",
				"connectionId", conn.ConnectionID, "error", err)
		}
	}
}
