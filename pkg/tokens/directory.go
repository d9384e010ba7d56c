// Package tokens maintains the device-token directory: which push tokens
// exist, which session each one is linked to, and lookup by session for the
// push delivery path.
package tokens

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownToken is returned by Link when the token was never registered.
var ErrUnknownToken = errors.New("unknown device token")

// Platform identifies the mobile platform a token was issued for.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform validates a platform string from an inbound request.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformIOS, PlatformAndroid:
		return Platform(s), nil
	}
	return "", errors.New("platform must be \"ios\" or \"android\"")
}

// Delivery channel tags. ChannelDefault is a user-visible notification,
// ChannelSilent a data-only wake-up.
const (
	ChannelDefault = "default"
	ChannelSilent  = "silent"
)

// Record is one registered device token. A token is linked to at most one
// session at a time; a session may hold any number of tokens.
type Record struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id,omitempty"`
	Platform  Platform  `json:"platform"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory owns all Records. A single lock guards both the token map and the
// session index: Link moves a token between sessions and both structures must
// change in the same step.
type Directory struct {
	mu        sync.RWMutex
	byToken   map[string]*Record
	bySession map[string]map[string]struct{}
	now       func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		byToken:   make(map[string]*Record),
		bySession: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// Register upserts a token record. Idempotent; it does not touch any existing
// session link.
func (d *Directory) Register(token string, platform Platform, channel string) {
	if channel == "" {
		channel = ChannelDefault
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.byToken[token]; ok {
		r.Platform = platform
		r.Channel = channel
		r.UpdatedAt = d.now()
		return
	}
	ts := d.now()
	d.byToken[token] = &Record{
		Token:     token,
		Platform:  platform,
		Channel:   channel,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Link associates the token with sessionID, superseding any prior link for
// that token. Other tokens already linked to the session are unaffected.
func (d *Directory) Link(token, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byToken[token]
	if !ok {
		return ErrUnknownToken
	}
	if r.SessionID == sessionID {
		return nil
	}
	d.unlinkLocked(r)
	r.SessionID = sessionID
	r.UpdatedAt = d.now()
	set, ok := d.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		d.bySession[sessionID] = set
	}
	set[token] = struct{}{}
	return nil
}

// TokensFor returns copies of all records linked to the session, sorted by
// token for stable output. An empty slice means "undeliverable via push",
// never an error.
func (d *Directory) TokensFor(sessionID string) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.bySession[sessionID]
	out := make([]Record, 0, len(set))
	for token := range set {
		out = append(out, *d.byToken[token])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Remove drops the token entirely. Used when the push provider reports the
// token invalid or expired. Idempotent.
func (d *Directory) Remove(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byToken[token]
	if !ok {
		return
	}
	d.unlinkLocked(r)
	delete(d.byToken, token)
}

func (d *Directory) unlinkLocked(r *Record) {
	if r.SessionID == "" {
		return
	}
	if set, ok := d.bySession[r.SessionID]; ok {
		delete(set, r.Token)
		if len(set) == 0 {
			delete(d.bySession, r.SessionID)
		}
	}
	r.SessionID = ""
}
