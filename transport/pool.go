package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/wire"
)

// Resumer supplies the streamResume envelopes to replay after a reconnect.
// The client stream registry satisfies it.
type Resumer interface {
	ResumeEnvelopes() []wire.Envelope
}

// Pool maintains one framed connection per endpoint and implements the actor
// system's Sender. Inbound traffic on each connection (responses, stream
// pushes, peer invocations) is pumped into the bound Handler. Idle
// connections are reaped after the idle timeout; broken ones are discarded
// so the next send dials fresh.
type Pool struct {
	cfg Config

	mu     sync.RWMutex
	conns  map[string]*poolConn
	seen   map[string]bool
	closed bool

	handler Handler
	resumer Resumer

	reapStop chan struct{}
	reapOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates an empty pool. Bind the envelope handler before sending;
// the split exists because the actor system and the pool reference each
// other and one has to be constructed first.
func NewPool(cfg Config) *Pool {
	cfg.defaults()
	p := &Pool{
		cfg:      cfg,
		conns:    make(map[string]*poolConn),
		seen:     make(map[string]bool),
		reapStop: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// Bind wires the inbound envelope handler and the resume source. Call once,
// before the first Send.
func (p *Pool) Bind(h Handler, r Resumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
	p.resumer = r
}

// Send delivers one envelope to endpoint, dialing or reusing a pooled
// connection. A failed write discards the connection and surfaces
// connectionFailed; the next Send dials fresh.
func (p *Pool) Send(ctx context.Context, endpoint string, env wire.Envelope) error {
	pc, err := p.get(ctx, endpoint)
	if err != nil {
		return err
	}

	pc.touch(p.cfg.Clock.Now())
	if err := pc.client.Send(ctx, env); err != nil {
		p.discard(pc)
		return err
	}
	return nil
}

// Endpoints returns the endpoints with a live pooled connection.
func (p *Pool) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	eps := make([]string, 0, len(p.conns))
	for ep := range p.conns {
		eps = append(eps, ep)
	}
	return eps
}

// Close tears down every pooled connection and stops the reaper.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*poolConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*poolConn)
	p.mu.Unlock()

	p.reapOnce.Do(func() { close(p.reapStop) })
	for _, pc := range conns {
		pc.close()
	}
	p.wg.Wait()
	return nil
}

// get returns the pooled connection for endpoint, dialing one if missing.
// Creation is double-checked so concurrent callers share a single dial
// winner; the loser's connection is closed.
func (p *Pool) get(ctx context.Context, endpoint string) (*poolConn, error) {
	p.mu.RLock()
	pc := p.conns[endpoint]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, wire.Errorf(wire.KindConnectionFailed, "connection pool is closed")
	}
	if pc != nil {
		return pc.awaitReady(ctx)
	}

	client := NewStreamClient(endpoint, p.cfg)
	if err := client.ConnectWithRetry(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		return nil, wire.Errorf(wire.KindConnectionFailed, "connection pool is closed")
	}
	if existing := p.conns[endpoint]; existing != nil {
		p.mu.Unlock()
		_ = client.Close()
		return existing.awaitReady(ctx)
	}

	pcCtx, cancel := context.WithCancel(context.Background())
	pc = &poolConn{
		endpoint: endpoint,
		client:   client,
		pool:     p,
		lastUsed: p.cfg.Clock.Now(),
		ready:    make(chan struct{}),
		ctx:      pcCtx,
		cancel:   cancel,
	}
	p.conns[endpoint] = pc
	reconnected := p.seen[endpoint]
	p.seen[endpoint] = true
	p.wg.Add(1)
	p.mu.Unlock()

	// Resume checkpointed streams before the connection carries new traffic.
	if reconnected {
		p.sendResumes(ctx, pc)
	}
	close(pc.ready)

	go pc.pump()
	return pc, nil
}

// discard removes a broken connection from the pool and closes it.
func (p *Pool) discard(pc *poolConn) {
	p.mu.Lock()
	if p.conns[pc.endpoint] == pc {
		delete(p.conns, pc.endpoint)
	}
	p.mu.Unlock()
	pc.close()
}

// sendResumes replays streamResume envelopes for every checkpointed stream
// homed on this endpoint, ahead of any new traffic on the connection.
func (p *Pool) sendResumes(ctx context.Context, pc *poolConn) {
	p.mu.RLock()
	resumer := p.resumer
	p.mu.RUnlock()
	if resumer == nil {
		return
	}

	for _, env := range resumer.ResumeEnvelopes() {
		if env.StreamResume == nil || env.StreamResume.ActorID.Endpoint() != pc.endpoint {
			continue
		}
		if err := pc.client.Send(ctx, env); err != nil {
			logger.Warn("stream resume send failed",
				"endpoint", pc.endpoint, "streamID", env.StreamResume.StreamID, "error", err)
			return
		}
		logger.Debug("stream resume sent",
			"endpoint", pc.endpoint,
			"streamID", env.StreamResume.StreamID,
			"lastSequence", env.StreamResume.LastSequence)
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()

	interval := p.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := p.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reapStop:
			return
		case <-ticker.Chan():
			p.reapIdle(p.cfg.Clock.Now())
		}
	}
}

// reapIdle closes connections with no traffic in either direction for the
// idle timeout.
func (p *Pool) reapIdle(now time.Time) {
	p.mu.Lock()
	var idle []*poolConn
	for ep, pc := range p.conns {
		if now.Sub(pc.lastTouched()) >= p.cfg.IdleTimeout {
			delete(p.conns, ep)
			idle = append(idle, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range idle {
		logger.Debug("reaping idle connection", "endpoint", pc.endpoint)
		pc.close()
	}
}

// poolConn is one pooled connection plus its receive pump. It satisfies
// stream.Sink so peer invocations arriving on the outbound socket can push
// replies and stream traffic back over it.
type poolConn struct {
	endpoint string
	client   *StreamClient
	pool     *Pool

	// ready closes once post-dial resume replay has finished; Send waits on
	// it so resumed streams see their streamResume before any new traffic.
	ready chan struct{}

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (pc *poolConn) awaitReady(ctx context.Context) (*poolConn, error) {
	select {
	case <-pc.ready:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements stream.Sink on top of the pooled client connection.
func (pc *poolConn) Send(env *wire.Envelope) error {
	return pc.client.Send(pc.ctx, *env)
}

func (pc *poolConn) touch(now time.Time) {
	pc.mu.Lock()
	pc.lastUsed = now
	pc.mu.Unlock()
}

func (pc *poolConn) lastTouched() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

func (pc *poolConn) close() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	pc.mu.Unlock()

	pc.cancel()
	_ = pc.client.Close()
}

func (pc *poolConn) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

// pump reads inbound envelopes for the lifetime of the connection,
// reconnecting on transport failure. Every received envelope is handed to
// the pool's handler; a reply, when produced, goes back over this
// connection.
func (pc *poolConn) pump() {
	defer pc.pool.wg.Done()
	defer pc.pool.discard(pc)

	for {
		env, err := pc.client.Receive(pc.ctx)
		if err != nil {
			if wireErr, ok := wire.AsError(err); ok && wireErr.Kind == wire.KindInvalidEnvelope {
				logger.Warn("dropping undecodable envelope", "endpoint", pc.endpoint, "error", err)
				continue
			}
			if pc.ctx.Err() != nil || pc.isClosed() {
				return
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || isConnectionFailed(err) {
				if pc.reconnect() {
					continue
				}
			}
			logger.Warn("receive pump stopped", "endpoint", pc.endpoint, "error", err)
			return
		}

		pc.touch(pc.pool.cfg.Clock.Now())
		pc.dispatch(env)
	}
}

func (pc *poolConn) dispatch(env wire.Envelope) {
	pc.pool.mu.RLock()
	h := pc.pool.handler
	pc.pool.mu.RUnlock()
	if h == nil {
		logger.Warn("dropping inbound envelope, no handler bound",
			"endpoint", pc.endpoint, "type", string(env.Type))
		return
	}

	resp, err := h.Receive(pc.ctx, &env, pc)
	if err != nil {
		logger.Warn("inbound envelope rejected",
			"endpoint", pc.endpoint, "type", string(env.Type), "error", err)
	}
	if resp != nil {
		if err := pc.Send(resp); err != nil {
			logger.Warn("reply write failed", "endpoint", pc.endpoint, "error", err)
		}
	}
}

// reconnect re-dials after a dropped connection and replays stream resume
// checkpoints before any new traffic. Returns false when the pool or the
// connection is shutting down or the retry budget is exhausted.
func (pc *poolConn) reconnect() bool {
	if pc.isClosed() {
		return false
	}

	logger.Info("reconnecting", "endpoint", pc.endpoint)
	pc.client.Reset()
	if err := pc.client.ConnectWithRetry(pc.ctx); err != nil {
		logger.Warn("reconnect failed", "endpoint", pc.endpoint, "error", err)
		return false
	}

	pc.pool.sendResumes(pc.ctx, pc)
	pc.touch(pc.pool.cfg.Clock.Now())
	return true
}

func isConnectionFailed(err error) bool {
	wireErr, ok := wire.AsError(err)
	return ok && wireErr.Kind == wire.KindConnectionFailed
}
