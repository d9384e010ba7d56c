// Package exchange implements the key-exchange registry: the request/accept/
// reject lifecycle for handshakes between two sessions, TTL expiry of
// abandoned requests, and retention cleanup of settled ones.
package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/keyrelay/pkg/dispatch"
)

// DefaultTTL is how long a request may stay pending before the sweep expires it.
const DefaultTTL = 5 * time.Minute

// DefaultRetention is how long settled requests are kept before garbage
// collection.
const DefaultRetention = 24 * time.Hour

const shardCount = 16

// Notifier delivers a transition event to a session. *dispatch.Dispatcher
// satisfies this.
type Notifier interface {
	Deliver(ctx context.Context, sessionID string, kind dispatch.EventKind, payload any) dispatch.Outcome
}

type shard struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// Registry owns all Request records. Requests are sharded by id so unrelated
// handshakes never contend; the pending-pair index has its own lock. No lock
// is ever held across a Notifier call: delivery happens strictly after the
// state transition has committed.
type Registry struct {
	shards    [shardCount]shard
	pairMu    sync.Mutex
	pending   map[string]string // unordered pair key -> pending request id
	ttl       time.Duration
	retention time.Duration
	notifier  Notifier
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the pending-request TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithRetention overrides the terminal-state retention window.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(notifier Notifier, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		pending:   make(map[string]string),
		ttl:       DefaultTTL,
		retention: DefaultRetention,
		notifier:  notifier,
		now:       time.Now,
		log:       log.With().Str("component", "exchange").Logger(),
	}
	for i := range r.shards {
		r.shards[i].requests = make(map[string]*Request)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// pairKey is order-independent: at most one handshake may be in flight
// between a pair regardless of who initiated.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Initiate records a new pending handshake and triggers delivery of the
// request to the recipient. The returned snapshot reflects the committed
// record; the outcome reflects delivery only and never affects the record.
func (r *Registry) Initiate(ctx context.Context, p InitiateParams) (Request, dispatch.Outcome, error) {
	if p.SenderID == "" || p.RecipientID == "" || p.SenderID == p.RecipientID {
		return Request{}, "", fmt.Errorf("%w: sender %q, recipient %q",
			ErrInvalidParticipants, p.SenderID, p.RecipientID)
	}

	id := p.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	key := pairKey(p.SenderID, p.RecipientID)

	r.pairMu.Lock()
	if existing, ok := r.pending[key]; ok {
		r.pairMu.Unlock()
		return Request{}, "", fmt.Errorf("%w: request %s", ErrDuplicatePending, existing)
	}
	s := r.shardFor(id)
	s.mu.Lock()
	if _, ok := s.requests[id]; ok {
		s.mu.Unlock()
		r.pairMu.Unlock()
		return Request{}, "", fmt.Errorf("%w: request id %s already in use", ErrDuplicatePending, id)
	}
	req := &Request{
		ID:                id,
		SenderID:          p.SenderID,
		RecipientID:       p.RecipientID,
		PublicKey:         p.PublicKey,
		EncryptedUserData: p.EncryptedUserData,
		Status:            StatusPending,
		CreatedAt:         r.now(),
	}
	s.requests[id] = req
	snapshot := *req
	s.mu.Unlock()
	r.pending[key] = id
	r.pairMu.Unlock()

	outcome := r.notifier.Deliver(ctx, snapshot.RecipientID, dispatch.EventKeyExchangeRequest, requestEvent{
		RequestID:         snapshot.ID,
		SenderID:          snapshot.SenderID,
		PublicKey:         snapshot.PublicKey,
		EncryptedUserData: snapshot.EncryptedUserData,
	})
	r.log.Info().Str("request_id", snapshot.ID).Str("sender_id", snapshot.SenderID).
		Str("recipient_id", snapshot.RecipientID).Str("delivery", string(outcome)).
		Msg("key exchange initiated")
	return snapshot, outcome, nil
}

// Accept settles the request as accepted, stores the recipient's reciprocal
// payload, and delivers the acceptance to the original sender.
func (r *Registry) Accept(ctx context.Context, requestID, recipientID, encryptedUserData string) (Request, dispatch.Outcome, error) {
	snapshot, err := r.settle(requestID, recipientID, StatusAccepted, encryptedUserData)
	if err != nil {
		return Request{}, "", err
	}
	outcome := r.notifier.Deliver(ctx, snapshot.SenderID, dispatch.EventKeyExchangeAccepted, acceptedEvent{
		RequestID:         snapshot.ID,
		RecipientID:       snapshot.RecipientID,
		EncryptedUserData: snapshot.EncryptedUserData,
	})
	r.log.Info().Str("request_id", snapshot.ID).Str("delivery", string(outcome)).
		Msg("key exchange accepted")
	return snapshot, outcome, nil
}

// Reject settles the request as rejected and notifies the sender. No payload
// accompanies a rejection.
func (r *Registry) Reject(ctx context.Context, requestID, recipientID string) (Request, dispatch.Outcome, error) {
	snapshot, err := r.settle(requestID, recipientID, StatusRejected, "")
	if err != nil {
		return Request{}, "", err
	}
	outcome := r.notifier.Deliver(ctx, snapshot.SenderID, dispatch.EventKeyExchangeRejected, rejectedEvent{
		RequestID:   snapshot.ID,
		RecipientID: snapshot.RecipientID,
	})
	r.log.Info().Str("request_id", snapshot.ID).Str("delivery", string(outcome)).
		Msg("key exchange rejected")
	return snapshot, outcome, nil
}

// settle performs the pending -> terminal transition as one read-check-write
// step under the request's shard lock. Concurrent accept/reject race on the
// same id: the first caller to observe pending wins, the loser gets
// ErrInvalidState.
func (r *Registry) settle(requestID, recipientID string, to Status, encryptedUserData string) (Request, error) {
	s := r.shardFor(requestID)
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.RecipientID != recipientID {
		s.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotRecipient, recipientID)
	}
	if req.Status != StatusPending {
		s.mu.Unlock()
		return Request{}, fmt.Errorf("%w: status %s", ErrInvalidState, req.Status)
	}
	req.Status = to
	if to == StatusAccepted {
		req.EncryptedUserData = encryptedUserData
	}
	req.RespondedAt = r.now()
	snapshot := *req
	s.mu.Unlock()

	r.dropPending(pairKey(snapshot.SenderID, snapshot.RecipientID), snapshot.ID)
	return snapshot, nil
}

// dropPending removes the pair-index entry if it still points at id.
func (r *Registry) dropPending(key, id string) {
	r.pairMu.Lock()
	if cur, ok := r.pending[key]; ok && cur == id {
		delete(r.pending, key)
	}
	r.pairMu.Unlock()
}

// Get returns a snapshot of the request, if present.
func (r *Registry) Get(requestID string) (Request, bool) {
	s := r.shardFor(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// PendingFor returns snapshots of all pending requests addressed to
// sessionID, oldest first. Used to replay outstanding handshakes when a
// session reconnects.
func (r *Registry) PendingFor(sessionID string) []Request {
	var out []Request
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, req := range s.requests {
			if req.Status == StatusPending && req.RecipientID == sessionID {
				out = append(out, *req)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReplayPayload builds the wire payload for re-delivering a pending request.
func ReplayPayload(req Request) any {
	return requestEvent{
		RequestID:         req.ID,
		SenderID:          req.SenderID,
		PublicKey:         req.PublicKey,
		EncryptedUserData: req.EncryptedUserData,
	}
}

// Expire sweeps every pending request older than the TTL to StatusExpired.
// Silent by contract: expiry notifies nobody. Idempotent; returns the number
// of requests expired.
func (r *Registry) Expire(now time.Time) int {
	cutoff := now.Add(-r.ttl)
	var expired int
	for i := range r.shards {
		s := &r.shards[i]
		var dropped []Request
		s.mu.Lock()
		for _, req := range s.requests {
			if req.Status == StatusPending && req.CreatedAt.Before(cutoff) {
				req.Status = StatusExpired
				req.RespondedAt = now
				dropped = append(dropped, *req)
			}
		}
		s.mu.Unlock()
		for _, req := range dropped {
			r.dropPending(pairKey(req.SenderID, req.RecipientID), req.ID)
		}
		expired += len(dropped)
	}
	if expired > 0 {
		r.log.Info().Int("count", expired).Msg("expired pending key exchange requests")
	}
	return expired
}

// GC deletes settled requests whose terminal transition is older than the
// retention window. Returns the number of records removed.
func (r *Registry) GC(now time.Time) int {
	cutoff := now.Add(-r.retention)
	var removed int
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, req := range s.requests {
			if req.Status.Terminal() && req.RespondedAt.Before(cutoff) {
				delete(s.requests, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		r.log.Debug().Int("count", removed).Msg("garbage collected settled requests")
	}
	return removed
}
