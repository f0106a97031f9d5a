package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// Health statuses reported by GET /health.
const (
	StatusHealthy   = "healthy"
	StatusDraining  = "draining"
	StatusUnhealthy = "unhealthy"
)

// Health is the health document served by the HTTP transport.
type Health struct {
	Status           string  `json:"status"`
	InflightRequests int64   `json:"inflightRequests"`
	ActiveStreams    int     `json:"activeStreams"`
	UptimeSeconds    float64 `json:"uptime"`
	Version          string  `json:"version,omitempty"`
}

// HealthSource supplies the current health document. The host satisfies it.
type HealthSource interface {
	Health() Health
}

// SinkProvider binds a streaming invocation to a server-push channel. HTTP is
// not duplex, so stream traffic for HTTP-invoked observations flows through a
// separate fabric; the provider returns false when the invocation carries no
// usable push binding.
type SinkProvider interface {
	SinkFor(inv *wire.Invocation) (stream.Sink, bool)
}

// HTTPConfig configures the HTTP transport server.
type HTTPConfig struct {
	// HealthSource backs GET /health. When nil the endpoint reports healthy
	// with zero counters.
	HealthSource HealthSource

	// Sinks resolves push channels for streaming invocations. When nil,
	// streaming invocations are rejected with validationError.
	Sinks SinkProvider

	// Connect, when set, serves GET /connect so clients can open the push
	// channel their streaming invocations ride.
	Connect http.Handler

	// MaxBodySize caps the request body. Defaults to wire.DefaultMaxFrameSize.
	MaxBodySize int64

	// ResponseCacheTTL enables duplicate-callID response replay for the given
	// window. Zero disables caching; duplicates then re-execute.
	ResponseCacheTTL time.Duration

	// StreamStartTimeout bounds the wait for the streamStart envelope that
	// answers a streaming invocation. Defaults to 10s.
	StreamStartTimeout time.Duration

	// Clock drives cache expiry. Defaults to the real clock.
	Clock clockwork.Clock
}

func (c *HTTPConfig) defaults() {
	if c.MaxBodySize == 0 {
		c.MaxBodySize = wire.DefaultMaxFrameSize
	}
	if c.StreamStartTimeout == 0 {
		c.StreamStartTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// HTTPServer is the request/response transport: one invocation per POST, the
// reply envelope in the response body. Streaming invocations answer with the
// streamStart envelope while the data itself rides the push fabric.
type HTTPServer struct {
	handler Handler
	cfg     HTTPConfig
	cache   *responseCache
}

// NewHTTPServer returns a server that dispatches inbound invocations to h.
func NewHTTPServer(h Handler, cfg HTTPConfig) *HTTPServer {
	cfg.defaults()
	s := &HTTPServer{handler: h, cfg: cfg}
	if cfg.ResponseCacheTTL > 0 {
		s.cache = newResponseCache(cfg.ResponseCacheTTL, cfg.Clock)
	}
	return s
}

// Routes returns the HTTP handler with tracing middleware applied.
func (s *HTTPServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Connect != nil {
		mux.Handle("GET /connect", s.cfg.Connect)
	}
	return otelhttp.NewHandler(mux, "trebuchet-http")
}

func (s *HTTPServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, wire.NewErrorResponseEnvelope(replyCallID(body),
			wire.Errorf(wire.KindInvalidEnvelope, "read body: %v", err)))
		return
	}

	env, err := wire.Decode(body)
	if err != nil {
		prometheus.RecordDecodeError()
		writeEnvelope(w, http.StatusBadRequest, wire.NewErrorResponseEnvelope(replyCallID(body),
			wire.Errorf(wire.KindInvalidEnvelope, "cannot decode envelope: %v", err)))
		return
	}
	if env.Type != wire.TypeInvocation || env.Invocation == nil {
		writeEnvelope(w, http.StatusBadRequest, wire.NewErrorResponseEnvelope(replyCallID(body),
			wire.Errorf(wire.KindInvalidEnvelope, "only invocation envelopes are accepted, got %q", env.Type)))
		return
	}

	callID := env.Invocation.CallID
	if s.cache != nil {
		if status, cached, ok := s.cache.get(callID); ok {
			logger.DebugContext(r.Context(), "replaying cached response", "callID", callID)
			writeRaw(w, status, cached)
			return
		}
	}

	var capture *startCapture
	var sink stream.Sink
	if env.Invocation.Streaming() && s.cfg.Sinks != nil {
		if inner, ok := s.cfg.Sinks.SinkFor(env.Invocation); ok {
			capture = newStartCapture(inner)
			sink = capture
		}
	}

	resp, err := s.handler.Receive(r.Context(), &env, sink)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError,
			wire.NewErrorResponseEnvelope(callID, wire.FromError(err)))
		return
	}

	switch {
	case resp != nil:
		status := statusForEnvelope(resp)
		data := writeEnvelope(w, status, *resp)
		if s.cache != nil && data != nil {
			s.cache.put(callID, status, data)
		}
	case capture != nil:
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StreamStartTimeout)
		defer cancel()
		if start := capture.await(ctx); start != nil {
			writeEnvelope(w, http.StatusOK, *start)
			return
		}
		writeEnvelope(w, http.StatusGatewayTimeout, wire.NewErrorResponseEnvelope(callID,
			wire.Errorf(wire.KindTimeout, "stream did not start within %s", s.cfg.StreamStartTimeout)))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := Health{Status: StatusHealthy}
	if s.cfg.HealthSource != nil {
		doc = s.cfg.HealthSource.Health()
	}
	status := http.StatusOK
	if doc.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

// replyCallID correlates an error reply with whatever callID the broken
// request carried. Responses require a callID, so an unidentifiable request
// gets the placeholder.
func replyCallID(body []byte) string {
	if id := wire.ExtractCallID(body); id != "" {
		return id
	}
	return "unknown"
}

// writeEnvelope serializes env with the given status and returns the encoded
// bytes for caching. Encoding failures downgrade to a plain 500.
func writeEnvelope(w http.ResponseWriter, status int, env wire.Envelope) []byte {
	data, err := wire.Encode(env)
	if err != nil {
		logger.Error("response envelope encode failed", "error", err)
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return nil
	}
	writeRaw(w, status, data)
	return data
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// statusForEnvelope maps a response envelope onto an HTTP status so clients
// can apply the 5xx-only retry rule.
func statusForEnvelope(env *wire.Envelope) int {
	if env.Type != wire.TypeResponse || env.Response == nil || env.Response.Error == nil {
		return http.StatusOK
	}
	switch env.Response.Error.Kind {
	case wire.KindInvalidEnvelope, wire.KindValidationError:
		return http.StatusBadRequest
	case wire.KindAuthenticationError:
		return http.StatusUnauthorized
	case wire.KindAuthorizationError:
		return http.StatusForbidden
	case wire.KindActorNotFound:
		return http.StatusNotFound
	case wire.KindVersionConflict:
		return http.StatusConflict
	case wire.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case wire.KindServerDraining:
		return http.StatusServiceUnavailable
	case wire.KindTimeout:
		return http.StatusGatewayTimeout
	case wire.KindConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// startCapture is the sink handed to a streaming invocation arriving over
// HTTP. It remembers the first streamStart for the HTTP response and forwards
// everything to the push channel.
type startCapture struct {
	inner stream.Sink

	mu      sync.Mutex
	start   *wire.Envelope
	readyCh chan struct{}
}

func newStartCapture(inner stream.Sink) *startCapture {
	return &startCapture{inner: inner, readyCh: make(chan struct{})}
}

func (c *startCapture) Send(env *wire.Envelope) error {
	if env.Type == wire.TypeStreamStart {
		c.mu.Lock()
		if c.start == nil {
			clone := *env
			c.start = &clone
			close(c.readyCh)
		}
		c.mu.Unlock()
	}
	return c.inner.Send(env)
}

func (c *startCapture) await(ctx context.Context) *wire.Envelope {
	select {
	case <-c.readyCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.start
	case <-ctx.Done():
		return nil
	}
}

// responseCache replays responses for duplicate callIDs inside a short
// window, for clients that retried a request whose response was lost.
type responseCache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	status  int
	data    []byte
	expires time.Time
}

func newResponseCache(ttl time.Duration, clock clockwork.Clock) *responseCache {
	return &responseCache{ttl: ttl, clock: clock, entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(callID string) (int, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[callID]
	if !ok {
		return 0, nil, false
	}
	if c.clock.Now().After(e.expires) {
		delete(c.entries, callID)
		return 0, nil, false
	}
	return e.status, e.data, true
}

func (c *responseCache) put(callID string, status int, data []byte) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	// Expired entries pile up only under sustained unique traffic; sweep
	// inline once the map grows past a working-set bound.
	if len(c.entries) > 1024 {
		for id, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, id)
			}
		}
	}
	c.entries[callID] = cacheEntry{status: status, data: data, expires: now.Add(c.ttl)}
}

// HTTPClient posts envelopes to remote hosts. Transient failures (network
// errors and 5xx statuses) are retried with exponential backoff; 4xx
// responses are returned as-is.
type HTTPClient struct {
	hc  *http.Client
	cfg Config
}

// NewHTTPClient builds a client around cfg's retry settings. The underlying
// transport propagates trace context on every request.
func NewHTTPClient(cfg Config) *HTTPClient {
	cfg.defaults()
	return &HTTPClient{
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg: cfg,
	}
}

// Invoke posts one envelope to baseURL/invoke and decodes the reply envelope.
// The HTTP status is advisory; the envelope carries the authoritative result.
func (c *HTTPClient) Invoke(ctx context.Context, baseURL string, env wire.Envelope) (*wire.Envelope, error) {
	body, err := wire.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	var lastErr error
	backoff := c.cfg.RetryBackoffBase

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retryable, err := c.post(ctx, baseURL+"/invoke", body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		logger.Warn("invoke attempt failed",
			"url", baseURL, "attempt", attempt, "maxAttempts", c.cfg.MaxRetries, "error", err)

		if attempt < c.cfg.MaxRetries {
			delay := calculateBackoff(backoff, c.cfg.RetryBackoffMax)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.cfg.Clock.After(delay):
			}
			backoff *= 2
			if backoff > c.cfg.RetryBackoffMax {
				backoff = c.cfg.RetryBackoffMax
			}
		}
	}

	return nil, wire.Errorf(wire.KindMaxRetriesExceeded,
		"invoke failed after %d attempts: %v", c.cfg.MaxRetries, lastErr)
}

// post performs one attempt. retryable reports whether the failure class
// permits another attempt.
func (c *HTTPClient) post(ctx context.Context, url string, body []byte) (*wire.Envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, true, wire.Errorf(wire.KindConnectionFailed, "post %s: %v", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, wire.Errorf(wire.KindConnectionFailed, "read response: %v", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// Decode anyway: serverDraining rides a 503 with a valid envelope and
		// should stop the retry loop so the caller can pick another endpoint.
		if env, decodeErr := wire.Decode(respBody); decodeErr == nil {
			if env.Type == wire.TypeResponse && env.Response != nil && env.Response.Error != nil &&
				env.Response.Error.Kind == wire.KindServerDraining {
				return &env, false, nil
			}
		}
		return nil, true, wire.Errorf(wire.KindConnectionFailed,
			"server error (status %d): %s", resp.StatusCode, respBody)
	}

	env, err := wire.Decode(respBody)
	if err != nil {
		prometheus.RecordDecodeError()
		return nil, false, wire.Errorf(wire.KindInvalidEnvelope,
			"cannot decode response (status %d): %v", resp.StatusCode, err)
	}
	return &env, false, nil
}

// HealthURL fetches the health document from baseURL/health.
func (c *HTTPClient) HealthURL(ctx context.Context, baseURL string) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, wire.Errorf(wire.KindConnectionFailed, "get health: %v", err)
	}
	defer resp.Body.Close()

	var doc Health
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode health document: %w", err)
	}
	return &doc, nil
}

// HTTPSender adapts the HTTP client to the actor system's Sender: the reply
// envelope from each POST is routed back into the handler, which settles the
// pending call the same way a framed-transport response would.
type HTTPSender struct {
	client  *HTTPClient
	handler Handler
	scheme  string
}

// NewHTTPSender wires an HTTP client to the inbound handler.
func NewHTTPSender(client *HTTPClient, h Handler) *HTTPSender {
	return &HTTPSender{client: client, handler: h, scheme: "http"}
}

// Send implements the actor system's Sender over HTTP.
func (s *HTTPSender) Send(ctx context.Context, endpoint string, env wire.Envelope) error {
	resp, err := s.client.Invoke(ctx, s.scheme+"://"+endpoint, env)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if _, err := s.handler.Receive(ctx, resp, nil); err != nil {
		return fmt.Errorf("route response: %w", err)
	}
	return nil
}
