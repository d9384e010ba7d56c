package exchange

import (
	"errors"
	"time"
)

// Status of a key-exchange request. A request leaves StatusPending exactly
// once; terminal states never mutate again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// Validation errors surfaced synchronously to registry callers.
var (
	// ErrInvalidParticipants: sender and recipient are equal or missing.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrDuplicatePending: a pending request already exists between the
	// pair (in either direction), or the client-suggested request id is
	// already in use.
	ErrDuplicatePending = errors.New("pending request already exists for pair")
	// ErrNotFound: no request with the given id.
	ErrNotFound = errors.New("key exchange request not found")
	// ErrNotRecipient: the caller is not the request's recipient.
	ErrNotRecipient = errors.New("caller is not the request recipient")
	// ErrInvalidState: the request already left pending.
	ErrInvalidState = errors.New("request is not pending")
)

// Request is one in-flight or settled handshake. Snapshots returned by the
// registry are owned copies; mutating them has no effect on registry state.
type Request struct {
	ID                string    `json:"request_id"`
	SenderID          string    `json:"sender_id"`
	RecipientID       string    `json:"recipient_id"`
	PublicKey         string    `json:"public_key"`
	EncryptedUserData string    `json:"encrypted_user_data"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	RespondedAt       time.Time `json:"responded_at,omitzero"`
}

// InitiateParams carries the fields of a sender-initiated handshake.
// RequestID may be client-suggested; empty means server-assigned.
type InitiateParams struct {
	RequestID         string
	SenderID          string
	RecipientID       string
	PublicKey         string
	EncryptedUserData string
}

// Wire payloads delivered to the counterparty at each transition.

type requestEvent struct {
	RequestID         string `json:"request_id"`
	SenderID          string `json:"sender_id"`
	PublicKey         string `json:"public_key"`
	EncryptedUserData string `json:"encrypted_user_data"`
}

type acceptedEvent struct {
	RequestID         string `json:"request_id"`
	RecipientID       string `json:"recipient_id"`
	EncryptedUserData string `json:"encrypted_user_data"`
}

type rejectedEvent struct {
	RequestID   string `json:"request_id"`
	RecipientID string `json:"recipient_id"`
}
