// Package gateway exposes keyrelay's serving surfaces: the JSON HTTP API for
// handshake and token management, and the websocket endpoint sessions hold
// open for presence and direct delivery.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/keyrelay/pkg/exchange"
	"github.com/tinyland-inc/keyrelay/pkg/presence"
	"github.com/tinyland-inc/keyrelay/pkg/tokens"
)

type Gateway struct {
	registry *exchange.Registry
	tokens   *tokens.Directory
	presence *presence.Directory
	srv      *http.Server
	log      zerolog.Logger
}

func New(addr string, registry *exchange.Registry, td *tokens.Directory, pd *presence.Directory, log zerolog.Logger) *Gateway {
	g := &Gateway{
		registry: registry,
		tokens:   td,
		presence: pd,
		log:      log.With().Str("component", "gateway").Logger(),
	}
	g.srv = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler builds the route table. Exposed so tests can drive the gateway
// through httptest without binding a port.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/exchange/initiate", g.handleInitiate)
	mux.HandleFunc("POST /v1/exchange/accept", g.handleAccept)
	mux.HandleFunc("POST /v1/exchange/reject", g.handleReject)
	mux.HandleFunc("GET /v1/exchange/requests/{id}", g.handleGetRequest)

	mux.HandleFunc("POST /v1/tokens/register", g.handleRegisterToken)
	mux.HandleFunc("POST /v1/tokens/link", g.handleLinkToken)
	mux.HandleFunc("GET /v1/tokens/{session_id}", g.handleTokensFor)

	mux.HandleFunc("GET /v1/ws", g.handleWS)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleHealth)

	return mux
}

// Start serves until the listener fails or Stop is called.
func (g *Gateway) Start() error {
	g.log.Info().Str("addr", g.srv.Addr).Msg("gateway listening")
	err := g.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains the HTTP server. Hijacked websocket connections are closed
// forcibly after the drain deadline.
func (g *Gateway) Stop(ctx context.Context) error {
	if err := g.srv.Shutdown(ctx); err != nil {
		return g.srv.Close()
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
