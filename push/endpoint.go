package push

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/briannadoubt/trebuchet/logger"
	"github.com/briannadoubt/trebuchet/transport"
	"github.com/briannadoubt/trebuchet/wire"
)

// ConnectionIDHeader is the response header carrying the connection ID
// assigned during the WebSocket handshake. Clients quote it in the
// x-connection-id metadata of their streaming invocations.
const ConnectionIDHeader = "X-Connection-Id"

// EndpointConfig configures the connect endpoint.
type EndpointConfig struct {
	// Fabric receives the upgraded connections.
	Fabric *WebSocketFabric

	// Registry persists connection records across reconnects.
	Registry Registry

	// Handler replays missed stream traffic when a client resumes. This is
	// the same handler the transports front, normally the host.
	Handler transport.Handler

	// TTL is the lease applied to records the endpoint writes.
	// Defaults to DefaultTTL.
	TTL time.Duration

	// Clock stamps registrations. Defaults to the real clock.
	Clock clockwork.Clock
}

// Endpoint upgrades GET /connect requests into push connections.
//
// A fresh connection is assigned a generated connection ID, returned in the
// ConnectionIDHeader of the handshake response. A client presenting its
// previous ID in the connectionId query parameter gets the same ID back,
// and when a live record binds that ID to a stream, the endpoint replays
// the stream from the record's checkpoint before live traffic continues.
type Endpoint struct {
	cfg    EndpointConfig
	binder *Binder
}

// NewEndpoint creates the connect endpoint and the binder sharing its
// fabric and registry.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Endpoint{
		cfg: cfg,
		binder: NewBinder(BinderConfig{
			Fabric:   cfg.Fabric,
			Registry: cfg.Registry,
			TTL:      cfg.TTL,
			Clock:    cfg.Clock,
		}),
	}
}

// Binder returns the sink provider that routes streaming invocations onto
// this endpoint's connections. Wire it into the HTTP transport's Sinks.
func (e *Endpoint) Binder() *Binder {
	return e.binder
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := strings.TrimSpace(r.URL.Query().Get("connectionId"))
	fresh := connID == ""
	if fresh {
		connID = uuid.NewString()
	}

	var rec Connection
	resumed := false
	if !fresh {
		switch c, err := e.cfg.Registry.Get(r.Context(), connID); {
		case err == nil:
			rec = c
			resumed = true
		case errors.Is(err, ErrUnknownConnection):
			// Expired checkpoint; the connection starts over under the
			// ID the client presented.
		default:
			logger.Warn("push registry unavailable", "error", err)
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	header := http.Header{}
	header.Set(ConnectionIDHeader, connID)

	ws, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := logger.WithComponent(r.Context(), "push")
	ctx = logger.WithConnectionID(ctx, connID)

	e.cfg.Fabric.Attach(connID, ws)
	logger.InfoContext(ctx, "push connection open",
		"remote", r.RemoteAddr, "resumed", resumed)

	if resumed && rec.StreamID != "" {
		e.replay(ctx, rec)
	} else if !resumed {
		bare := Connection{
			ConnectionID: connID,
			ConnectedAt:  e.cfg.Clock.Now().UTC(),
			TTL:          e.cfg.TTL,
		}
		if err := e.cfg.Registry.Put(ctx, bare); err != nil {
			logger.WarnContext(ctx, "push registration failed", "error", err)
		}
	}

	e.readLoop(ctx, connID, ws)
}

// replay feeds a synthesized resume envelope back through the handler; the
// stream layer replays buffered entries past the checkpoint or restarts
// the subscription from a fresh snapshot.
func (e *Endpoint) replay(ctx context.Context, rec Connection) {
	resume := wire.NewStreamResumeEnvelope(wire.StreamResume{
		StreamID:         rec.StreamID,
		ActorID:          rec.Actor,
		TargetIdentifier: rec.Target,
		LastSequence:     rec.LastSequence,
	})
	if _, err := e.cfg.Handler.Receive(ctx, &resume, e.binder.sink(rec.ConnectionID)); err != nil {
		logger.WarnContext(ctx, "stream resume failed",
			"streamId", rec.StreamID, "error", err)
	}
}

// readLoop consumes client frames until the socket closes. Inbound payloads
// are ignored; the socket is a one-way delivery channel and reading only
// services close handshakes and keepalives.
func (e *Endpoint) readLoop(ctx context.Context, connID string, ws *websocket.Conn) {
	defer e.cfg.Fabric.Detach(connID)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// A deliberate goodbye; no resume is coming, so the
				// record goes too.
				if rerr := e.cfg.Registry.Remove(ctx, connID); rerr != nil {
					logger.WarnContext(ctx, "push deregistration failed", "error", rerr)
				}
				logger.InfoContext(ctx, "push connection closed")
			} else {
				// Keep the record; the client may reconnect and resume.
				logger.DebugContext(ctx, "push connection lost", "error", err)
			}
			return
		}
	}
}
