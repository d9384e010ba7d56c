package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/keyrelay/pkg/dispatch"
)

type notifyCall struct {
	sessionID string
	kind      dispatch.EventKind
	payload   any
}

type stubNotifier struct {
	mu      sync.Mutex
	outcome dispatch.Outcome
	calls   []notifyCall
}

func (s *stubNotifier) Deliver(_ context.Context, sessionID string, kind dispatch.EventKind, payload any) dispatch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, notifyCall{sessionID: sessionID, kind: kind, payload: payload})
	if s.outcome == "" {
		return dispatch.OutcomeDelivered
	}
	return s.outcome
}

func (s *stubNotifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubNotifier) lastCall() notifyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *stubNotifier) {
	t.Helper()
	n := &stubNotifier{}
	return NewRegistry(n, zerolog.Nop(), opts...), n
}

func TestInitiateThenAccept(t *testing.T) {
	r, n := newTestRegistry(t)
	ctx := context.Background()

	req, outcome, err := r.Initiate(ctx, InitiateParams{
		SenderID:          "S-alice",
		RecipientID:       "S-bob",
		PublicKey:         "pk1",
		EncryptedUserData: "edata1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, dispatch.OutcomeDelivered, outcome)

	call := n.lastCall()
	assert.Equal(t, "S-bob", call.sessionID)
	assert.Equal(t, dispatch.EventKeyExchangeRequest, call.kind)

	accepted, _, err := r.Accept(ctx, req.ID, "S-bob", "edata2")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, "edata2", accepted.EncryptedUserData)
	assert.False(t, accepted.RespondedAt.IsZero())

	// Acceptance goes back to the sender.
	call = n.lastCall()
	assert.Equal(t, "S-alice", call.sessionID)
	assert.Equal(t, dispatch.EventKeyExchangeAccepted, call.kind)

	// Terminal state admits no further transition.
	_, _, err = r.Accept(ctx, req.ID, "S-bob", "edata3")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, _, err = r.Reject(ctx, req.ID, "S-bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInitiateValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-a", PublicKey: "pk"})
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "", RecipientID: "S-b", PublicKey: "pk"})
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestDuplicatePendingPair(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)

	// Same direction.
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// Reverse direction: the pair is unordered.
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-b", RecipientID: "S-a", PublicKey: "pk", EncryptedUserData: "e"})
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// Unrelated pair is unaffected.
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-c", PublicKey: "pk", EncryptedUserData: "e"})
	assert.NoError(t, err)
}

func TestPairFreesAfterSettle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	req, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)

	_, _, err = r.Reject(ctx, req.ID, "S-b")
	require.NoError(t, err)

	// A new handshake between the same pair is allowed once settled.
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-b", RecipientID: "S-a", PublicKey: "pk2", EncryptedUserData: "e2"})
	assert.NoError(t, err)
}

func TestRespondValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.Accept(ctx, "nope", "S-b", "e")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = r.Reject(ctx, "nope", "S-b")
	assert.ErrorIs(t, err, ErrNotFound)

	req, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)

	_, _, err = r.Accept(ctx, req.ID, "S-mallory", "e")
	assert.ErrorIs(t, err, ErrNotRecipient)

	// The sender cannot answer their own request.
	_, _, err = r.Accept(ctx, req.ID, "S-a", "e")
	assert.ErrorIs(t, err, ErrNotRecipient)
}

func TestClientSuggestedRequestID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	req, _, err := r.Initiate(ctx, InitiateParams{
		RequestID: "req1", SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e",
	})
	require.NoError(t, err)
	assert.Equal(t, "req1", req.ID)

	// Reusing the id (even for a different pair) is a duplicate submission.
	_, _, err = r.Initiate(ctx, InitiateParams{
		RequestID: "req1", SenderID: "S-c", RecipientID: "S-d", PublicKey: "pk", EncryptedUserData: "e",
	})
	assert.ErrorIs(t, err, ErrDuplicatePending)
}

func TestConcurrentAcceptRejectRace(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		r, _ := newTestRegistry(t)
		req, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var acceptErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, acceptErr = r.Accept(ctx, req.ID, "S-b", "e2")
		}()
		go func() {
			defer wg.Done()
			_, _, rejectErr = r.Reject(ctx, req.ID, "S-b")
		}()
		wg.Wait()

		// Exactly one side wins; the loser observes InvalidState.
		if acceptErr == nil {
			assert.ErrorIs(t, rejectErr, ErrInvalidState)
			got, ok := r.Get(req.ID)
			require.True(t, ok)
			assert.Equal(t, StatusAccepted, got.Status)
		} else {
			require.NoError(t, rejectErr)
			assert.ErrorIs(t, acceptErr, ErrInvalidState)
			got, ok := r.Get(req.ID)
			require.True(t, ok)
			assert.Equal(t, StatusRejected, got.Status)
		}
	}
}

func TestExpireSweep(t *testing.T) {
	now := time.Now()
	clock := now
	r, n := newTestRegistry(t, WithTTL(5*time.Minute), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	req, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)
	notified := n.callCount()

	// Within TTL: nothing happens.
	assert.Equal(t, 0, r.Expire(now.Add(4*time.Minute)))

	// Past TTL: the request expires, silently.
	assert.Equal(t, 1, r.Expire(now.Add(6*time.Minute)))
	assert.Equal(t, notified, n.callCount())

	got, ok := r.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)

	// Idempotent.
	assert.Equal(t, 0, r.Expire(now.Add(7*time.Minute)))

	_, _, err = r.Accept(ctx, req.ID, "S-b", "e2")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Expiry frees the pair slot.
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	assert.NoError(t, err)
}

func TestGCRemovesSettledRequests(t *testing.T) {
	now := time.Now()
	clock := now
	r, _ := newTestRegistry(t, WithRetention(time.Hour), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	settled, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-b", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)
	_, _, err = r.Accept(ctx, settled.ID, "S-b", "e2")
	require.NoError(t, err)

	stillPending, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-c", RecipientID: "S-d", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)

	// Inside the retention window nothing is removed.
	assert.Equal(t, 0, r.GC(now.Add(30*time.Minute)))

	assert.Equal(t, 1, r.GC(now.Add(2*time.Hour)))
	_, ok := r.Get(settled.ID)
	assert.False(t, ok)

	// Pending requests are never GC'd.
	_, ok = r.Get(stillPending.ID)
	assert.True(t, ok)
}

func TestPendingFor(t *testing.T) {
	now := time.Now()
	clock := now
	r, _ := newTestRegistry(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	first, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-a", RecipientID: "S-bob", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)
	clock = now.Add(time.Second)
	second, _, err := r.Initiate(ctx, InitiateParams{SenderID: "S-c", RecipientID: "S-bob", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)
	_, _, err = r.Initiate(ctx, InitiateParams{SenderID: "S-d", RecipientID: "S-other", PublicKey: "pk", EncryptedUserData: "e"})
	require.NoError(t, err)

	pending := r.PendingFor("S-bob")
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	_, _, err = r.Accept(ctx, first.ID, "S-bob", "e2")
	require.NoError(t, err)
	assert.Len(t, r.PendingFor("S-bob"), 1)

	assert.Empty(t, r.PendingFor("S-nobody"))
}

func TestUndeliverableDoesNotAffectState(t *testing.T) {
	n := &stubNotifier{outcome: dispatch.OutcomeUndeliverable}
	r := NewRegistry(n, zerolog.Nop())
	ctx := context.Background()

	req, outcome, err := r.Initiate(ctx, InitiateParams{SenderID: "S-alice", RecipientID: "S-bob", PublicKey: "pk1", EncryptedUserData: "edata1"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeUndeliverable, outcome)

	// Delivery failure never rolls back the handshake.
	got, ok := r.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	accepted, outcome, err := r.Accept(ctx, req.ID, "S-bob", "edata2")
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeUndeliverable, outcome)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, "edata2", accepted.EncryptedUserData)
}
