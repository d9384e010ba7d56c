package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tinyland-inc/keyrelay/pkg/dispatch"
	"github.com/tinyland-inc/keyrelay/pkg/exchange"
	"github.com/tinyland-inc/keyrelay/pkg/tokens"
)

// Inbound payloads are decoded leniently: unknown extra fields are ignored,
// only the named required fields are validated. Clients ship ahead of the
// server and additive compatibility is part of the contract.

type initiateRequest struct {
	RequestID         string `json:"request_id"`
	SenderID          string `json:"sender_id"`
	RecipientID       string `json:"recipient_id"`
	PublicKey         string `json:"public_key"`
	EncryptedUserData string `json:"encrypted_user_data"`
}

type respondRequest struct {
	RequestID         string `json:"request_id"`
	RecipientID       string `json:"recipient_id"`
	EncryptedUserData string `json:"encrypted_user_data"`
}

type exchangeResponse struct {
	RequestID string           `json:"request_id"`
	Status    exchange.Status  `json:"status"`
	Delivery  dispatch.Outcome `json:"delivery"`
}

type registerTokenRequest struct {
	Token   string `json:"token"`
	Device  string `json:"device"` // platform: "ios" | "android"
	Channel string `json:"channel"`
	UserID  string `json:"user_id"` // optional; links immediately when present
}

type linkTokenRequest struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var in initiateRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.SenderID == "" || in.RecipientID == "" || in.PublicKey == "" || in.EncryptedUserData == "" {
		writeBadRequest(w, "sender_id, recipient_id, public_key and encrypted_user_data are required")
		return
	}

	req, outcome, err := g.registry.Initiate(r.Context(), exchange.InitiateParams{
		RequestID:         in.RequestID,
		SenderID:          in.SenderID,
		RecipientID:       in.RecipientID,
		PublicKey:         in.PublicKey,
		EncryptedUserData: in.EncryptedUserData,
	})
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exchangeResponse{RequestID: req.ID, Status: req.Status, Delivery: outcome})
}

func (g *Gateway) handleAccept(w http.ResponseWriter, r *http.Request) {
	var in respondRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.RequestID == "" || in.RecipientID == "" {
		writeBadRequest(w, "request_id and recipient_id are required")
		return
	}

	req, outcome, err := g.registry.Accept(r.Context(), in.RequestID, in.RecipientID, in.EncryptedUserData)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exchangeResponse{RequestID: req.ID, Status: req.Status, Delivery: outcome})
}

func (g *Gateway) handleReject(w http.ResponseWriter, r *http.Request) {
	var in respondRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.RequestID == "" || in.RecipientID == "" {
		writeBadRequest(w, "request_id and recipient_id are required")
		return
	}

	req, outcome, err := g.registry.Reject(r.Context(), in.RequestID, in.RecipientID)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exchangeResponse{RequestID: req.ID, Status: req.Status, Delivery: outcome})
}

func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := g.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such key exchange request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (g *Gateway) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var in registerTokenRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Token == "" || in.Device == "" {
		writeBadRequest(w, "token and device are required")
		return
	}
	platform, err := tokens.ParsePlatform(in.Device)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	g.tokens.Register(in.Token, platform, in.Channel)
	if in.UserID != "" {
		// Registered above, so Link cannot miss.
		_ = g.tokens.Link(in.Token, in.UserID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleLinkToken(w http.ResponseWriter, r *http.Request) {
	var in linkTokenRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Token == "" || in.SessionID == "" {
		writeBadRequest(w, "token and session_id are required")
		return
	}

	if err := g.tokens.Link(in.Token, in.SessionID); err != nil {
		if errors.Is(err, tokens.ErrUnknownToken) {
			writeError(w, http.StatusNotFound, "unknown_token", "token was never registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTokensFor(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"tokens":     g.tokens.TokensFor(sessionID),
	})
}

// decodeJSON reads the body into v, replying 400 on malformed JSON. Unknown
// fields pass through untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeBadRequest(w, "malformed JSON: "+err.Error())
		return false
	}
	return true
}

func writeExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidParticipants):
		writeError(w, http.StatusBadRequest, "invalid_participants", err.Error())
	case errors.Is(err, exchange.ErrDuplicatePending):
		writeError(w, http.StatusConflict, "duplicate_pending", err.Error())
	case errors.Is(err, exchange.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, exchange.ErrNotRecipient):
		writeError(w, http.StatusForbidden, "not_recipient", err.Error())
	case errors.Is(err, exchange.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
