package collaboration

import (
	"codecollab/internal/models"
)

// Outbox is the send side of one client connection.
type Outbox interface {
	// Deliver queues msg without blocking. It reports false when the
	// connection is closed or its buffer is full.
	Deliver(msg []byte) bool
	// Close tears the connection down. Safe to call more than once.
	Close()
}

// Session is one user's live membership in a Room. Its mutable fields
// (LastSeen) belong to the Room and are only touched under the room lock.
type Session struct {
	*models.Session
	outbox Outbox
}

func newSession(record *models.Session, outbox Outbox) *Session {
	return &Session{Session: record, outbox: outbox}
}

// Peer is the coordinator's view of one client connection. A Peer is bound to
// at most one Session at a time; Handle and Disconnect must not be called
// concurrently for the same Peer.
type Peer struct {
	ID string
	// DocumentID pins the connection to one document when set by the route.
	DocumentID string

	outbox  Outbox
	session *Session
}

// Session returns the session the peer joined, or nil.
func (p *Peer) Session() *Session {
	return p.session
}
