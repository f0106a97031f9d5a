package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// StreamServer accepts framed TCP connections and feeds every decoded
// envelope to its Handler. The connection doubles as the stream sink, so
// server-push envelopes travel back over the same socket, interleaved with
// correlated responses.
type StreamServer struct {
	handler Handler
	cfg     Config

	mu     sync.Mutex
	lis    net.Listener
	conns  map[*serverConn]struct{}
	closed bool

	wg sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewStreamServer returns a server that dispatches inbound envelopes to h.
func NewStreamServer(h Handler, cfg Config) *StreamServer {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamServer{
		handler: h,
		cfg:     cfg,
		conns:   make(map[*serverConn]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *StreamServer) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Shutdown or a fatal accept error.
// It blocks; callers usually run it in a goroutine.
func (s *StreamServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = lis.Close()
		return net.ErrClosed
	}
	s.lis = lis
	s.mu.Unlock()

	logger.Info("stream transport listening", "addr", lis.Addr().String())

	for {
		raw, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sc := newServerConn(raw, s.cfg)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(sc)
	}
}

func (s *StreamServer) serveConn(sc *serverConn) {
	defer s.wg.Done()

	prometheus.ConnectionOpened("stream")
	defer prometheus.ConnectionClosed("stream")

	connID := uuid.NewString()
	ctx := logger.WithComponent(s.baseCtx, "stream-server")
	ctx = logger.WithConnectionID(ctx, connID)
	logger.DebugContext(ctx, "connection accepted", "remote", sc.RemoteAddr())

	defer func() {
		sc.close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		logger.DebugContext(ctx, "connection closed", "remote", sc.RemoteAddr())
	}()

	for {
		payload, err := sc.readFrame()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.InfoContext(ctx, "closing idle connection",
					"remote", sc.RemoteAddr(), "idleTimeout", s.cfg.IdleTimeout)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
				// Peer went away.
			default:
				logger.WarnContext(ctx, "read failed", "remote", sc.RemoteAddr(), "error", err)
			}
			return
		}

		env, err := wire.Decode(payload)
		if err != nil {
			prometheus.RecordDecodeError()
			logger.WarnContext(ctx, "dropping undecodable envelope", "error", err)
			if callID := wire.ExtractCallID(payload); callID != "" {
				resp := wire.NewErrorResponseEnvelope(callID,
					wire.Errorf(wire.KindInvalidEnvelope, "cannot decode envelope: %v", err))
				_ = sc.Send(&resp)
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, sc, env)
		}()
	}
}

// dispatch hands one envelope to the handler and writes any correlated reply
// back on the same connection.
func (s *StreamServer) dispatch(ctx context.Context, sc *serverConn, env wire.Envelope) {
	resp, err := s.handler.Receive(ctx, &env, sc)
	if err != nil {
		logger.WarnContext(ctx, "envelope rejected", "type", string(env.Type), "error", err)
	}
	if resp != nil {
		if err := sc.Send(resp); err != nil {
			logger.WarnContext(ctx, "response write failed", "remote", sc.RemoteAddr(), "error", err)
		}
	}
}

// Shutdown closes the listener and all live connections, then waits for
// in-flight dispatches to finish or ctx to expire.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.lis
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	s.cancel()
	if lis != nil {
		_ = lis.Close()
	}
	for _, sc := range conns {
		sc.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serverConn wraps an accepted socket. Writes are serialized by writeMu and
// bounded by the write deadline; a failed write closes the connection so the
// read loop unblocks.
type serverConn struct {
	raw net.Conn
	cfg Config

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newServerConn(raw net.Conn, cfg Config) *serverConn {
	return &serverConn{raw: raw, cfg: cfg}
}

func (sc *serverConn) RemoteAddr() string {
	return sc.raw.RemoteAddr().String()
}

// readFrame blocks for the next frame, closing the connection when the peer
// stays silent past the idle timeout.
func (sc *serverConn) readFrame() ([]byte, error) {
	if err := sc.raw.SetReadDeadline(time.Now().Add(sc.cfg.IdleTimeout)); err != nil {
		return nil, err
	}
	return wire.ReadFrame(sc.raw, sc.cfg.MaxFrameSize)
}

// Send encodes one envelope and writes it as a single frame. It satisfies
// stream.Sink, which is how fanout subscriptions push over this connection.
func (sc *serverConn) Send(env *wire.Envelope) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return wire.Errorf(wire.KindConnectionFailed, "connection is closed")
	}
	sc.mu.Unlock()

	data, err := wire.Encode(*env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := sc.raw.SetWriteDeadline(time.Now().Add(sc.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wire.WriteFrame(sc.raw, data); err != nil {
		sc.close()
		return wire.Errorf(wire.KindConnectionFailed, "write failed: %v", err)
	}
	// Outbound traffic counts as activity: a connection carrying a live
	// stream stays up even when the subscriber never writes.
	_ = sc.raw.SetReadDeadline(time.Now().Add(sc.cfg.IdleTimeout))
	return nil
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.closed = true
	_ = sc.raw.Close()
}
