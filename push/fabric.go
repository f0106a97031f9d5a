package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// Default fabric constants.
const (
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 1024 * 1024 // 1MB; clients only send control frames
	DefaultCloseGracePeriod = 5 * time.Second
)

// ErrConnectionClosed reports a permanent delivery failure: the connection
// is gone and will not come back under this ID. Callers drop the connection
// registration when they see it. Transient failures, such as a slow
// consumer missing its write deadline, surface as retryable connectionFailed
// errors instead and leave the connection attached.
var ErrConnectionClosed = errors.New("push connection closed")

// Sender delivers envelopes to named downstream connections.
type Sender interface {
	Send(ctx context.Context, connectionID string, env *wire.Envelope) error
}

// Fabric is the connection table surface stream binding needs: delivery
// plus liveness.
type Fabric interface {
	Sender
	Attached(connectionID string) bool
}

// FabricConfig tunes the WebSocket push fabric.
type FabricConfig struct {
	// WriteWait is the write deadline for each delivered envelope.
	// Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit applied to client frames.
	// Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseGracePeriod is the deadline for writing close frames.
	// Defaults to DefaultCloseGracePeriod.
	CloseGracePeriod time.Duration
}

func (c *FabricConfig) defaults() {
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
}

// WebSocketFabric maintains the table of live push connections and writes
// envelopes to them. Writes to one connection never block another.
type WebSocketFabric struct {
	cfg FabricConfig

	mu    sync.Mutex
	conns map[string]*fabricConn
}

type fabricConn struct {
	raw     *websocket.Conn
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)
}

// NewFabric creates an empty fabric.
func NewFabric(cfg FabricConfig) *WebSocketFabric {
	cfg.defaults()
	return &WebSocketFabric{
		cfg:   cfg,
		conns: make(map[string]*fabricConn),
	}
}

// Attach adds an established WebSocket under the given connection ID. A
// previous connection with the same ID is closed and replaced; its stream
// traffic continues on the new socket.
func (f *WebSocketFabric) Attach(connectionID string, conn *websocket.Conn) {
	conn.SetReadLimit(f.cfg.MaxMessageSize)

	f.mu.Lock()
	prev := f.conns[connectionID]
	f.conns[connectionID] = &fabricConn{raw: conn}
	f.mu.Unlock()

	if prev != nil {
		prev.shut(f.cfg.CloseGracePeriod)
		prommetrics.ConnectionClosed("websocket")
	}
	prommetrics.ConnectionOpened("websocket")
}

// Detach closes and forgets a connection. Unknown IDs are a no-op.
func (f *WebSocketFabric) Detach(connectionID string) {
	f.mu.Lock()
	c := f.conns[connectionID]
	delete(f.conns, connectionID)
	f.mu.Unlock()

	if c == nil {
		return
	}
	c.shut(f.cfg.CloseGracePeriod)
	prommetrics.ConnectionClosed("websocket")
}

// Attached reports whether a connection is currently in the table.
func (f *WebSocketFabric) Attached(connectionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.conns[connectionID]
	return ok
}

// Send writes one envelope to the named connection. Unknown and broken
// connections yield ErrConnectionClosed; a consumer that misses its write
// deadline yields a retryable connectionFailed error and stays attached.
func (f *WebSocketFabric) Send(ctx context.Context, connectionID string, env *wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	c := f.conns[connectionID]
	f.mu.Unlock()
	if c == nil {
		return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionClosed)
	}

	data, err := wire.Encode(*env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.raw.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait)); err != nil {
		f.drop(connectionID, c)
		return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionClosed)
	}
	if err := c.raw.WriteMessage(websocket.TextMessage, data); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return wire.Errorf(wire.KindConnectionFailed,
				"write to connection %s timed out", connectionID)
		}
		f.drop(connectionID, c)
		return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionClosed)
	}
	return nil
}

// Close detaches every connection. The fabric stays usable; new
// connections may attach afterwards.
func (f *WebSocketFabric) Close() {
	f.mu.Lock()
	conns := f.conns
	f.conns = make(map[string]*fabricConn)
	f.mu.Unlock()

	for _, c := range conns {
		c.shut(f.cfg.CloseGracePeriod)
		prommetrics.ConnectionClosed("websocket")
	}
}

// drop forgets a connection after a failed write. Cleaning up the registry
// record belongs to the caller acting on ErrConnectionClosed.
func (f *WebSocketFabric) drop(connectionID string, c *fabricConn) {
	f.mu.Lock()
	if cur := f.conns[connectionID]; cur == c {
		delete(f.conns, connectionID)
		prommetrics.ConnectionClosed("websocket")
	}
	f.mu.Unlock()

	_ = c.raw.Close()
	logger.Debug("push connection dropped", "connectionId", connectionID)
}

func (c *fabricConn) shut(grace time.Duration) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

	c.writeMu.Lock()
	_ = c.raw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(grace))
	c.writeMu.Unlock()

	_ = c.raw.Close()
}
