// Package dispatch routes handshake events to a session: over the live
// connection when the recipient is online, otherwise out-of-band through the
// push relay via the session's registered device tokens.
//
// Delivery is best-effort and orthogonal to handshake correctness: the
// dispatcher never raises for provider-side failures, it only reports the
// aggregated outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/keyrelay/pkg/presence"
	"github.com/tinyland-inc/keyrelay/pkg/push"
	"github.com/tinyland-inc/keyrelay/pkg/tokens"
)

// EventKind names a handshake transition carried in a delivery.
type EventKind string

const (
	EventKeyExchangeRequest  EventKind = "key_exchange_request"
	EventKeyExchangeAccepted EventKind = "key_exchange_accepted"
	EventKeyExchangeRejected EventKind = "key_exchange_rejected"
)

// Outcome is the aggregated result of one Deliver call.
type Outcome string

const (
	// OutcomeDelivered: direct send succeeded, or at least one push token
	// was accepted by the relay.
	OutcomeDelivered Outcome = "delivered"
	// OutcomePartialFailure: some push tokens accepted, some failed.
	OutcomePartialFailure Outcome = "partial_failure"
	// OutcomeFailed: every push token failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeUndeliverable: recipient offline with no registered tokens.
	OutcomeUndeliverable Outcome = "undeliverable"
)

// PresenceSource is the slice of the session directory the dispatcher needs.
type PresenceSource interface {
	HandleFor(sessionID string) (presence.Handle, bool)
}

// TokenSource is the slice of the token directory the dispatcher needs.
// Remove is invoked when the relay reports a token invalid.
type TokenSource interface {
	TokensFor(sessionID string) []tokens.Record
	Remove(token string)
}

// Provider submits one notification to the external push relay.
type Provider interface {
	Push(ctx context.Context, token, platform, channel, kind string, payload []byte) error
}

// Dispatcher is a stateless coordinator over the presence and token
// directories. It holds no locks of its own and must be invoked only after
// the triggering handshake transition has committed.
type Dispatcher struct {
	presence PresenceSource
	tokens   TokenSource
	provider Provider
	timeout  time.Duration
	log      zerolog.Logger
}

func NewDispatcher(p PresenceSource, t TokenSource, provider Provider, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		presence: p,
		tokens:   t,
		provider: provider,
		timeout:  timeout,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// Deliver routes one event to sessionID. Direct delivery is attempted first
// when a live handle exists; a stale handle falls through to the push path
// rather than failing outright.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID string, kind EventKind, payload any) Outcome {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("session_id", sessionID).Msg("marshal event payload")
		return OutcomeFailed
	}

	if h, ok := d.presence.HandleFor(sessionID); ok {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := h.Send(sendCtx, string(kind), body)
		cancel()
		if err == nil {
			return OutcomeDelivered
		}
		d.log.Debug().Err(err).Str("session_id", sessionID).Str("event", string(kind)).
			Msg("direct send failed, falling back to push")
	}

	return d.pushAll(ctx, sessionID, kind, body)
}

func (d *Dispatcher) pushAll(ctx context.Context, sessionID string, kind EventKind, body []byte) Outcome {
	recs := d.tokens.TokensFor(sessionID)
	if len(recs) == 0 {
		return OutcomeUndeliverable
	}

	var ok, failed int
	for _, rec := range recs {
		pushCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.push(pushCtx, rec, kind, body)
		cancel()
		if err == nil {
			ok++
			continue
		}
		failed++
		if errors.Is(err, push.ErrInvalidToken) {
			d.tokens.Remove(rec.Token)
			d.log.Info().Str("session_id", sessionID).Msg("pruned invalid push token")
			continue
		}
		d.log.Warn().Err(err).Str("session_id", sessionID).Str("event", string(kind)).
			Msg("push notification failed")
	}

	switch {
	case failed == 0:
		return OutcomeDelivered
	case ok > 0:
		return OutcomePartialFailure
	default:
		return OutcomeFailed
	}
}

func (d *Dispatcher) push(ctx context.Context, rec tokens.Record, kind EventKind, body []byte) error {
	if d.provider == nil {
		return errors.New("no push provider configured")
	}
	return d.provider.Push(ctx, rec.Token, string(rec.Platform), rec.Channel, string(kind), body)
}
