package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/stream"
	"github.com/briannadoubt/trebuchet/wire"
)

// cannedHandler delegates to respond and counts executions.
type cannedHandler struct {
	mu      sync.Mutex
	calls   int
	respond func(env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error)
}

func (h *cannedHandler) Receive(_ context.Context, env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.respond(env, sink)
}

func (h *cannedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func echoRespond(env *wire.Envelope, _ stream.Sink) (*wire.Envelope, error) {
	resp := wire.NewResponseEnvelope(env.Invocation.CallID, env.Invocation.Arguments[0])
	return &resp, nil
}

func startHTTPServer(t *testing.T, h Handler, cfg HTTPConfig) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHTTPServer(h, cfg).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func postEnvelope(t *testing.T, url string, env wire.Envelope) (*http.Response, wire.Envelope) {
	t.Helper()
	body, err := wire.Encode(env)
	require.NoError(t, err)
	return postRaw(t, url, body)
}

func postRaw(t *testing.T, url string, body []byte) (*http.Response, wire.Envelope) {
	t.Helper()
	resp, err := http.Post(url+"/invoke", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return resp, env
}

func TestHTTPInvokeRoundTrip(t *testing.T) {
	ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{})
	client := NewHTTPClient(Config{MaxRetries: 1})

	resp, err := client.Invoke(context.Background(), ts.URL, invocation("c-1", "greet", "hello"))
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, resp.Type)
	assert.Equal(t, "c-1", resp.Response.CallID)
	assert.Equal(t, []byte("hello"), resp.Response.Result)
}

func TestHTTPRejectsNonInvocationEnvelope(t *testing.T) {
	ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{})

	resp, env := postEnvelope(t, ts.URL, wire.NewResponseEnvelope("c-7", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, wire.TypeResponse, env.Type)
	assert.Equal(t, "c-7", env.Response.CallID)
	require.NotNil(t, env.Response.Error)
	assert.Equal(t, wire.KindInvalidEnvelope, env.Response.Error.Kind)
}

func TestHTTPRejectsMalformedBody(t *testing.T) {
	ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{})

	resp, env := postRaw(t, ts.URL, []byte(`{"type":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown", env.Response.CallID)
	require.NotNil(t, env.Response.Error)
	assert.Equal(t, wire.KindInvalidEnvelope, env.Response.Error.Kind)
}

func TestHTTPErrorKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind   wire.Kind
		status int
	}{
		{wire.KindValidationError, http.StatusBadRequest},
		{wire.KindAuthenticationError, http.StatusUnauthorized},
		{wire.KindAuthorizationError, http.StatusForbidden},
		{wire.KindActorNotFound, http.StatusNotFound},
		{wire.KindVersionConflict, http.StatusConflict},
		{wire.KindRateLimitExceeded, http.StatusTooManyRequests},
		{wire.KindServerDraining, http.StatusServiceUnavailable},
		{wire.KindTimeout, http.StatusGatewayTimeout},
		{wire.KindHandlerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			handler := &cannedHandler{respond: func(env *wire.Envelope, _ stream.Sink) (*wire.Envelope, error) {
				resp := wire.NewErrorResponseEnvelope(env.Invocation.CallID, wire.NewError(tt.kind, "nope"))
				return &resp, nil
			}}
			ts := startHTTPServer(t, handler, HTTPConfig{})

			resp, env := postEnvelope(t, ts.URL, invocation("c-1", "greet", "x"))
			assert.Equal(t, tt.status, resp.StatusCode)
			require.NotNil(t, env.Response.Error)
			assert.Equal(t, tt.kind, env.Response.Error.Kind)
		})
	}
}

type staticHealth struct {
	doc Health
}

func (s staticHealth) Health() Health { return s.doc }

func TestHTTPHealthEndpoint(t *testing.T) {
	t.Run("default healthy", func(t *testing.T) {
		ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{})

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var doc Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		assert.Equal(t, StatusHealthy, doc.Status)
	})

	t.Run("draining reports 503", func(t *testing.T) {
		src := staticHealth{doc: Health{
			Status:           StatusDraining,
			InflightRequests: 2,
			ActiveStreams:    1,
			UptimeSeconds:    12.5,
		}}
		ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{HealthSource: src})

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var doc Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		assert.Equal(t, StatusDraining, doc.Status)
		assert.Equal(t, int64(2), doc.InflightRequests)
		assert.Equal(t, 1, doc.ActiveStreams)
		assert.InDelta(t, 12.5, doc.UptimeSeconds, 0.001)
	})
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		resp := wire.NewResponseEnvelope("c-1", []byte("recovered"))
		data, _ := wire.Encode(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	t.Cleanup(ts.Close)

	client := NewHTTPClient(Config{MaxRetries: 3, RetryBackoffBase: time.Millisecond})
	resp, err := client.Invoke(context.Background(), ts.URL, invocation("c-1", "greet", "x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), resp.Response.Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestHTTPClientReturns4xxWithoutRetry(t *testing.T) {
	handler := &cannedHandler{respond: func(env *wire.Envelope, _ stream.Sink) (*wire.Envelope, error) {
		resp := wire.NewErrorResponseEnvelope(env.Invocation.CallID, wire.NotFound("ghost-1"))
		return &resp, nil
	}}
	ts := startHTTPServer(t, handler, HTTPConfig{})

	client := NewHTTPClient(Config{MaxRetries: 3, RetryBackoffBase: time.Millisecond})
	resp, err := client.Invoke(context.Background(), ts.URL, invocation("c-1", "greet", "x"))
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, wire.KindActorNotFound, resp.Response.Error.Kind)
	assert.Equal(t, 1, handler.callCount())
}

func TestHTTPClientStopsRetryingOnDraining(t *testing.T) {
	handler := &cannedHandler{respond: func(env *wire.Envelope, _ stream.Sink) (*wire.Envelope, error) {
		resp := wire.NewErrorResponseEnvelope(env.Invocation.CallID, wire.Draining())
		return &resp, nil
	}}
	ts := startHTTPServer(t, handler, HTTPConfig{})

	client := NewHTTPClient(Config{MaxRetries: 3, RetryBackoffBase: time.Millisecond})
	resp, err := client.Invoke(context.Background(), ts.URL, invocation("c-1", "greet", "x"))
	require.NoError(t, err)
	require.NotNil(t, resp.Response.Error)
	assert.Equal(t, wire.KindServerDraining, resp.Response.Error.Kind)
	assert.Equal(t, 1, handler.callCount(), "draining means pick another endpoint, not hammer this one")
}

func TestHTTPClientExhaustsRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	client := NewHTTPClient(Config{MaxRetries: 2, RetryBackoffBase: time.Millisecond})
	_, err := client.Invoke(context.Background(), ts.URL, invocation("c-1", "greet", "x"))
	require.Error(t, err)
	wireErr, ok := wire.AsError(err)
	require.True(t, ok)
	assert.Equal(t, wire.KindMaxRetriesExceeded, wireErr.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestHTTPResponseCacheReplaysDuplicateCallIDs(t *testing.T) {
	clk := clockwork.NewFakeClock()
	handler := &cannedHandler{respond: echoRespond}
	ts := startHTTPServer(t, handler, HTTPConfig{ResponseCacheTTL: time.Minute, Clock: clk})

	env := invocation("c-1", "greet", "hello")
	_, first := postEnvelope(t, ts.URL, env)
	_, second := postEnvelope(t, ts.URL, env)

	assert.Equal(t, 1, handler.callCount(), "duplicate callID should replay, not re-execute")
	assert.Equal(t, first.Response.Result, second.Response.Result)

	clk.Advance(2 * time.Minute)
	_, _ = postEnvelope(t, ts.URL, env)
	assert.Equal(t, 2, handler.callCount(), "expired cache entry should re-execute")
}

// recordingSink collects everything pushed through it.
type recordingSink struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func (s *recordingSink) Send(env *wire.Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, *env)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

type staticSinks struct {
	sink stream.Sink
}

func (s staticSinks) SinkFor(*wire.Invocation) (stream.Sink, bool) { return s.sink, true }

func TestHTTPStreamingInvocationAnswersWithStreamStart(t *testing.T) {
	pushed := &recordingSink{}
	handler := &cannedHandler{respond: func(env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
		if sink == nil {
			resp := wire.NewErrorResponseEnvelope(env.Invocation.CallID,
				wire.NewError(wire.KindValidationError, "no sink"))
			return &resp, nil
		}
		go func() {
			start := wire.NewStreamStartEnvelope(wire.StreamStart{
				CallID:           env.Invocation.CallID,
				StreamID:         "s-42",
				ActorID:          env.Invocation.ActorID,
				TargetIdentifier: env.Invocation.TargetIdentifier,
			})
			_ = sink.Send(&start)
		}()
		return nil, nil
	}}
	ts := startHTTPServer(t, handler, HTTPConfig{Sinks: staticSinks{sink: pushed}})

	resp, env := postEnvelope(t, ts.URL, invocation("c-1", "observeCount", ""))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wire.TypeStreamStart, env.Type)
	assert.Equal(t, "c-1", env.StreamStart.CallID)
	assert.Equal(t, "s-42", env.StreamStart.StreamID)

	// The push fabric saw the same start envelope.
	require.Len(t, pushed.snapshot(), 1)
}

func TestHTTPStreamingWithoutPushBinding(t *testing.T) {
	var mu sync.Mutex
	sawNilSink := false
	handler := &cannedHandler{respond: func(env *wire.Envelope, sink stream.Sink) (*wire.Envelope, error) {
		mu.Lock()
		sawNilSink = sink == nil
		mu.Unlock()
		resp := wire.NewErrorResponseEnvelope(env.Invocation.CallID,
			wire.NewError(wire.KindValidationError, "streaming is not available on this transport"))
		return &resp, nil
	}}
	ts := startHTTPServer(t, handler, HTTPConfig{})

	resp, env := postEnvelope(t, ts.URL, invocation("c-1", "observeCount", ""))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Response.Error)
	assert.Equal(t, wire.KindValidationError, env.Response.Error.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawNilSink, "no sink provider means the handler must see a nil sink")
}

func TestHTTPSenderRoutesResponses(t *testing.T) {
	ts := startHTTPServer(t, &cannedHandler{respond: echoRespond}, HTTPConfig{})

	rec := newRouteRecorder()
	sender := NewHTTPSender(NewHTTPClient(Config{MaxRetries: 1}), rec)

	endpoint := ts.Listener.Addr().String()
	require.NoError(t, sender.Send(context.Background(), endpoint, invocation("c-1", "greet", "hi")))

	env := rec.next(t)
	require.Equal(t, wire.TypeResponse, env.Type)
	assert.Equal(t, "c-1", env.Response.CallID)
	assert.Equal(t, []byte("hi"), env.Response.Result)
}
