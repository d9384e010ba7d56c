package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/keyrelay/pkg/dispatch"
	"github.com/tinyland-inc/keyrelay/pkg/exchange"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 90 * time.Second
	wsReadLimit    = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients connect from app webviews and native stacks with
	// arbitrary Origin headers; auth belongs to the identity layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFrame is the wire format for events pushed over the socket.
type eventFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// wsHandle wraps one upgraded connection behind a write mutex so the
// dispatcher and the replay path never interleave frames.
type wsHandle struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSHandle(conn *websocket.Conn) *wsHandle {
	return &wsHandle{id: uuid.NewString(), conn: conn}
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Send(ctx context.Context, kind string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	return h.conn.WriteJSON(eventFrame{Kind: kind, Payload: payload})
}

// handleWS upgrades the connection, marks the session online, replays any
// pending handshakes addressed to it, then parks in a read loop that exists
// only to notice the peer going away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeBadRequest(w, "session_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	handle := newWSHandle(conn)
	g.presence.MarkOnline(sessionID, handle)
	g.log.Info().Str("session_id", sessionID).Str("conn_id", handle.ID()).Msg("session online")

	g.replayPending(r.Context(), sessionID, handle)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		h := time.Now().Add(wsWriteTimeout)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), h)
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		// Inbound frames are not part of the protocol yet; the socket is
		// a delivery channel. Reset the deadline and keep listening.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	}

	// Release, not MarkOffline: a superseding connection may already have
	// registered a newer handle for this session.
	g.presence.Release(sessionID, handle)
	_ = conn.Close()
	g.log.Info().Str("session_id", sessionID).Str("conn_id", handle.ID()).Msg("session offline")
}

// replayPending re-delivers outstanding requests addressed to a session that
// just reconnected. Failures here are non-fatal: the request stays pending
// and the client can still poll it over HTTP.
func (g *Gateway) replayPending(ctx context.Context, sessionID string, handle *wsHandle) {
	for _, req := range g.registry.PendingFor(sessionID) {
		payload, err := json.Marshal(exchange.ReplayPayload(req))
		if err != nil {
			continue
		}
		if err := handle.Send(ctx, string(dispatch.EventKeyExchangeRequest), payload); err != nil {
			g.log.Debug().Err(err).Str("session_id", sessionID).Str("request_id", req.ID).
				Msg("replay send failed")
			return
		}
		g.log.Debug().Str("session_id", sessionID).Str("request_id", req.ID).
			Msg("replayed pending key exchange request")
	}
}
