package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// StreamClient is one framed TCP connection to a remote host. It is
// full-duplex: Send writes invocations while ReceiveLoop pulls responses and
// server-push stream envelopes. A client survives reconnects via Reset; the
// Pool layers dialing, reuse, and resume on top of it.
type StreamClient struct {
	addr string
	cfg  Config

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	closeCh chan struct{}

	// writeMu serializes frame writes so concurrent senders cannot interleave.
	writeMu sync.Mutex
}

// NewStreamClient prepares a client for addr without dialing.
func NewStreamClient(addr string, cfg Config) *StreamClient {
	cfg.defaults()
	return &StreamClient{
		addr:    addr,
		cfg:     cfg,
		closeCh: make(chan struct{}),
	}
}

// Connect establishes the connection.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return wire.Errorf(wire.KindConnectionFailed, "client is closed")
	}
	if c.conn != nil {
		return wire.Errorf(wire.KindConnectionFailed, "already connected to %s", c.addr)
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return wire.Errorf(wire.KindConnectionFailed, "dial %s: %v", c.addr, err)
	}

	c.conn = conn
	prometheus.ConnectionOpened("stream")
	logger.Debug("stream connection established", "addr", c.addr)
	return nil
}

// ConnectWithRetry attempts to connect with exponential backoff and jitter.
func (c *StreamClient) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	backoff := c.cfg.RetryBackoffBase

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		logger.Warn("connection attempt failed",
			"addr", c.addr, "attempt", attempt, "maxAttempts", c.cfg.MaxRetries, "error", lastErr)

		if attempt < c.cfg.MaxRetries {
			delay := calculateBackoff(backoff, c.cfg.RetryBackoffMax)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closeCh:
				return wire.Errorf(wire.KindConnectionFailed, "client closed during retry")
			case <-c.cfg.Clock.After(delay):
			}
			backoff *= 2
			if backoff > c.cfg.RetryBackoffMax {
				backoff = c.cfg.RetryBackoffMax
			}
		}
	}

	return wire.Errorf(wire.KindConnectionFailed,
		"failed to connect to %s after %d attempts: %v", c.addr, c.cfg.MaxRetries, lastErr)
}

// Send writes one envelope as a single frame. A write that cannot complete
// within the write timeout closes the connection and fails with
// connectionFailed; the caller's pending call fails with it.
func (c *StreamClient) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return wire.Errorf(wire.KindConnectionFailed, "not connected to %s", c.addr)
	}
	conn := c.conn
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wire.WriteFrame(conn, data); err != nil {
		c.closeConn()
		return wire.Errorf(wire.KindConnectionFailed, "write to %s: %v", c.addr, err)
	}
	return nil
}

// Receive blocks for the next inbound envelope. It must not be called
// concurrently with itself; after a context-aborted Receive the connection
// must be Reset before reuse, since the aborted read still owns the socket.
func (c *StreamClient) Receive(ctx context.Context) (wire.Envelope, error) {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return wire.Envelope{}, wire.Errorf(wire.KindConnectionFailed, "not connected to %s", c.addr)
	}
	conn := c.conn
	c.mu.Unlock()

	type readResult struct {
		payload []byte
		err     error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		payload, err := wire.ReadFrame(conn, c.cfg.MaxFrameSize)
		resultCh <- readResult{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-c.closeCh:
		return wire.Envelope{}, net.ErrClosed
	case res := <-resultCh:
		if res.err != nil {
			return wire.Envelope{}, res.err
		}
		env, err := wire.Decode(res.payload)
		if err != nil {
			prometheus.RecordDecodeError()
			return wire.Envelope{}, wire.Errorf(wire.KindInvalidEnvelope, "cannot decode envelope: %v", err)
		}
		return env, nil
	}
}

// ReceiveLoop forwards inbound envelopes to envCh until the context is
// cancelled, the client closes, or the connection fails. Undecodable
// envelopes are dropped. Returns nil on clean shutdown.
func (c *StreamClient) ReceiveLoop(ctx context.Context, envCh chan<- wire.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		default:
		}

		env, err := c.Receive(ctx)
		if err != nil {
			if wireErr, ok := wire.AsError(err); ok && wireErr.Kind == wire.KindInvalidEnvelope {
				logger.Warn("dropping undecodable envelope", "addr", c.addr, "error", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		select {
		case envCh <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		}
	}
}

// Close closes the connection permanently.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	prometheus.ConnectionClosed("stream")
	return err
}

// Reset closes the current connection and prepares for a new one. Use for
// reconnection flows that re-dial with the same configuration.
func (c *StreamClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		prometheus.ConnectionClosed("stream")
	}

	// Clear closed state so the client can be reused.
	c.closed = false
	c.closeCh = make(chan struct{})
}

// IsConnected reports whether the client holds a live connection.
func (c *StreamClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// closeConn tears down the socket after a failed write without marking the
// client permanently closed, so Reset can re-dial.
func (c *StreamClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		prometheus.ConnectionClosed("stream")
	}
}
