// Package presence tracks which sessions currently hold a live transport
// connection. The transport layer calls MarkOnline/MarkOffline on connect and
// disconnect; the dispatcher consults IsOnline/HandleFor to choose between
// direct delivery and the push path.
package presence

import (
	"context"
	"sync"
	"time"
)

// Handle is a live connection owned by the transport layer. Send writes one
// event frame to the peer; a non-nil error means the handle is stale and the
// caller should fall back to another delivery path.
type Handle interface {
	ID() string
	Send(ctx context.Context, kind string, payload []byte) error
}

type entry struct {
	handle     Handle
	lastSeenAt time.Time
}

// Directory is the authoritative session-id to connection mapping. At most one
// live handle exists per session; a newer connection supersedes the old one.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]entry
	now      func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]entry),
		now:      time.Now,
	}
}

// MarkOnline records a live handle for the session, superseding any prior one.
func (d *Directory) MarkOnline(sessionID string, h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = entry{handle: h, lastSeenAt: d.now()}
}

// MarkOffline clears the session's handle. Idempotent.
func (d *Directory) MarkOffline(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Release clears the session's handle only if h is still the current one.
// The read loop of a superseded connection unwinds after the replacement has
// already been registered; an unconditional MarkOffline there would knock the
// new connection offline.
func (d *Directory) Release(sessionID string, h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[sessionID]; ok && cur.handle.ID() == h.ID() {
		delete(d.sessions, sessionID)
	}
}

func (d *Directory) IsOnline(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[sessionID]
	return ok
}

// HandleFor returns the live handle for the session, if any.
func (d *Directory) HandleFor(sessionID string) (Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.sessions[sessionID]
	return e.handle, ok
}

// LastSeen reports when the session last established a connection.
func (d *Directory) LastSeen(sessionID string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.sessions[sessionID]
	return e.lastSeenAt, ok
}
