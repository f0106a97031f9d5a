// Package transport carries wire envelopes between hosts. Two transports are
// provided: a framed full-duplex TCP stream (StreamServer / StreamClient /
// Pool) for actor-to-actor traffic, and an HTTP request/response surface
// (HTTPServer / HTTPClient) for external callers. Both hand inbound envelopes
// to a Handler, which is how the actor system plugs in.
package transport

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// Default tuning. Values are overridable per Config field.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoffBase = 1 * time.Second
	DefaultRetryBackoffMax  = 30 * time.Second
)

// jitterFactor is the +-25% jitter applied to backoff delays.
const jitterFactor = 0.25

// jitterPrecision is the granularity for crypto/rand jitter generation.
const jitterPrecision = 1000

// jitterHalfPrecision normalizes jitter output to the range [-1, 1].
const jitterHalfPrecision = jitterPrecision / 2

// Handler consumes one inbound envelope and optionally produces a correlated
// reply for the same connection. The sink carries server-push stream traffic
// back to the peer; transports that cannot push pass nil.
//
// The actor system's Receive method satisfies this interface.
type Handler interface {
	Receive(ctx context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error)
}

// Config tunes connection behavior shared by the stream transports.
type Config struct {
	// DialTimeout bounds each connection attempt. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteTimeout is the write deadline for each frame. A write that cannot
	// complete within it closes the connection. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration

	// IdleTimeout closes connections with no inbound traffic. Defaults to
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// MaxFrameSize is the read limit per frame. Defaults to
	// wire.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// MaxRetries is the number of connection attempts for ConnectWithRetry.
	// Defaults to DefaultMaxRetries.
	MaxRetries int

	// RetryBackoffBase is the initial backoff delay. Defaults to DefaultRetryBackoffBase.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the backoff delay. Defaults to DefaultRetryBackoffMax.
	RetryBackoffMax time.Duration

	// Clock drives idle reaping and backoff sleeps. Defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// calculateBackoff computes a backoff duration with +-25% jitter, capped at maxDelay.
func calculateBackoff(base, maxDelay time.Duration) time.Duration {
	delay := float64(base)
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(jitterPrecision))
	jitter := delay * jitterFactor * (float64(n.Int64())/jitterHalfPrecision - 1)
	result := delay + jitter
	if result < 0 {
		result = float64(base)
	}
	if result > float64(maxDelay) {
		result = float64(maxDelay)
	}
	return time.Duration(math.Max(result, 0))
}
