package collaboration

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"codecollab/internal/models"
	"codecollab/internal/protocol"
)

// errNotMember is returned by room operations invoked with a session that was
// evicted or replaced since the caller looked it up.
var errNotMember = errors.New("session is not a member of the room")

// Room is the live state of one document: its sessions, the single-writer
// lock and the last code snapshot the coordinator saw. Every transition runs
// to completion under mu, including the deliveries it causes, so all members
// observe events in the same order.
type Room struct {
	DocumentID string
	now        func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session // userID -> session
	holder     string
	acquiredAt time.Time
	cachedCode string
	hasCode    bool
	revision   uint64
}

// RoomInfo is a point-in-time summary of a room.
type RoomInfo struct {
	DocumentID     string     `json:"documentId"`
	Sessions       int        `json:"sessions"`
	CurrentEditor  *string    `json:"currentEditor"`
	LockAcquiredAt *time.Time `json:"lockAcquiredAt"`
	Revision       uint64     `json:"revision"`
}

func newRoom(documentID string, now func() time.Time) *Room {
	return &Room{
		DocumentID: documentID,
		now:        now,
		sessions:   make(map[string]*Session),
	}
}

// join adds s. A session already mapped to the same user is replaced: it is
// told why and its connection is closed. The lock, keyed by user, stays put.
func (r *Room) join(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.sessions[s.UserID]
	r.sessions[s.UserID] = s

	if replaced != nil {
		log.Printf("⚠️  User %s opened document %s again, replacing session %s with %s",
			s.UserID, r.DocumentID, replaced.ID, s.ID)
		r.deliver(replaced, protocol.Warning{
			Code:    protocol.WarnSessionReplaced,
			Message: "document opened from another connection",
		})
		replaced.outbox.Close()
	} else {
		r.broadcast(protocol.UserJoined{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			Timestamp:   r.now(),
		}, s.UserID)
	}

	r.broadcast(r.collaboratorsLocked(), "")

	if r.hasCode {
		r.deliver(s, protocol.CodeBroadcast{Code: r.cachedCode, Timestamp: r.now()})
	}

	log.Printf("  Session %s joined document %s (total: %d users)", s.ID, r.DocumentID, len(r.sessions))
	return replaced
}

// leave removes s if it is still the session mapped to its user. released
// reports whether the lock was freed as a consequence.
func (r *Room) leave(s *Session) (removed, released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.UserID] != s {
		return false, false
	}
	return r.leaveLocked(s)
}

// leaveIfStale removes s only if it is still a member and was last seen
// before cutoff. The check and the removal share one critical section, so a
// ping that lands after the sweep picked s keeps it in the room.
func (r *Room) leaveIfStale(s *Session, cutoff time.Time) (removed, released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.UserID] != s || !s.LastSeen.Before(cutoff) {
		return false, false
	}
	return r.leaveLocked(s)
}

func (r *Room) leaveLocked(s *Session) (removed, released bool) {
	delete(r.sessions, s.UserID)

	if r.holder == s.UserID {
		r.unlockLocked()
		released = true
		r.broadcast(protocol.EditStopped{UserID: s.UserID, Timestamp: r.now()}, "")
	}

	r.broadcast(protocol.UserLeft{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Timestamp:   r.now(),
	}, "")
	r.broadcast(r.collaboratorsLocked(), "")

	log.Printf("  Session %s left document %s (remaining: %d users)", s.ID, r.DocumentID, len(r.sessions))
	return true, released
}

// requestEdit grants the lock when it is free or already held by s's user,
// and denies it naming the holder otherwise. acquired is true only on a
// transition from unlocked.
func (r *Room) requestEdit(s *Session) (granted, acquired bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return false, false, errNotMember
	}

	switch r.holder {
	case s.UserID:
		r.deliver(s, protocol.EditGranted{})
		return true, false, nil
	case "":
		r.holder = s.UserID
		r.acquiredAt = r.now()
		r.broadcast(protocol.EditStarted{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			Timestamp:   r.acquiredAt,
		}, "")
		r.deliver(s, protocol.EditGranted{})
		log.Printf("  %s is now editing document %s", s.UserID, r.DocumentID)
		return true, true, nil
	default:
		r.deliver(s, protocol.EditDenied{CurrentEditor: r.holder})
		return false, false, nil
	}
}

// releaseEdit frees the lock if s's user holds it.
func (r *Room) releaseEdit(s *Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return false, errNotMember
	}
	return r.releaseLocked(s.UserID), nil
}

// releaseUser frees the lock if userID holds it, whatever connection asks.
func (r *Room) releaseUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(userID)
}

func (r *Room) releaseLocked(userID string) bool {
	if userID == "" || r.holder != userID {
		return false
	}
	r.unlockLocked()
	r.broadcast(protocol.EditStopped{UserID: userID, Timestamp: r.now()}, "")
	log.Printf("  %s stopped editing document %s", userID, r.DocumentID)
	return true
}

func (r *Room) unlockLocked() {
	r.holder = ""
	r.acquiredAt = time.Time{}
}

// applyCodeUpdate takes code from the lock holder, fans it out to every other
// member and acknowledges revision to the sender. Updates from anyone else
// are dropped.
func (r *Room) applyCodeUpdate(s *Session, code string, revision uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return false, errNotMember
	}
	if r.holder != s.UserID {
		log.Printf("⚠️  Rejected code update from %s on document %s (editor: %q)", s.UserID, r.DocumentID, r.holder)
		return false, nil
	}

	r.cachedCode = code
	r.hasCode = true
	r.revision++

	r.broadcast(protocol.CodeBroadcast{UserID: s.UserID, Code: code, Timestamp: r.now()}, s.UserID)
	r.deliver(s, protocol.CodeAccepted{Revision: revision})
	return true, nil
}

func (r *Room) relayCursor(s *Session, pos models.CursorPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return errNotMember
	}
	r.broadcast(protocol.CursorBroadcast{UserID: s.UserID, Position: pos}, s.UserID)
	return nil
}

func (r *Room) relayChat(s *Session, msg protocol.ChatBroadcast) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return errNotMember
	}
	r.broadcast(msg, s.UserID)
	return nil
}

// seed installs content loaded from persistence unless an edit got there
// first, and pushes it to everyone already in the room. Once someone holds
// the lock their buffer is authoritative and the stored copy is dropped.
func (r *Room) seed(content string, version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasCode {
		return false
	}
	if r.holder != "" {
		log.Printf("⚠️  Skipped seeding document %s from version %d: %s is already editing", r.DocumentID, version, r.holder)
		return false
	}
	r.cachedCode = content
	r.hasCode = true
	r.broadcast(protocol.CodeBroadcast{Code: content, Timestamp: r.now()}, "")

	log.Printf("  Seeded document %s from version %d", r.DocumentID, version)
	return true
}

// touch refreshes s's liveness timestamp. It reports false if s is no longer
// the member for its user.
func (r *Room) touch(s *Session, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return false
	}
	s.LastSeen = at
	return true
}

// staleSessions returns the members last seen before cutoff.
func (r *Room) staleSessions(cutoff time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Session
	for _, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

// sendTo delivers msg to userID's session if it is present.
func (r *Room) sendTo(userID string, msg protocol.Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return false
	}
	return r.deliver(s, msg)
}

func (r *Room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Holder returns the user currently holding the lock, or "".
func (r *Room) Holder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder
}

// Code returns the cached snapshot and whether one exists.
func (r *Room) Code() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedCode, r.hasCode
}

// Collaborators returns the presence list as it would be broadcast now.
func (r *Room) Collaborators() protocol.Collaborators {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collaboratorsLocked()
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		DocumentID: r.DocumentID,
		Sessions:   len(r.sessions),
		Revision:   r.revision,
	}
	if r.holder != "" {
		holder, at := r.holder, r.acquiredAt
		info.CurrentEditor = &holder
		info.LockAcquiredAt = &at
	}
	return info
}

func (r *Room) isMemberLocked(s *Session) bool {
	return s != nil && r.sessions[s.UserID] == s
}

func (r *Room) collaboratorsLocked() protocol.Collaborators {
	members := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		members = append(members, s)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].ConnectedAt.Equal(members[j].ConnectedAt) {
			return members[i].ConnectedAt.Before(members[j].ConnectedAt)
		}
		return members[i].UserID < members[j].UserID
	})

	list := protocol.Collaborators{Collaborators: make([]protocol.Collaborator, 0, len(members))}
	for _, s := range members {
		list.Collaborators = append(list.Collaborators, protocol.Collaborator{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			IsEditing:   s.UserID == r.holder,
			IsOwner:     s.IsOwner,
		})
	}
	if r.holder != "" {
		holder := r.holder
		list.CurrentEditor = &holder
	}
	return list
}

// broadcast encodes msg once and delivers it to every member except the
// excluded user.
func (r *Room) broadcast(msg protocol.Outbound, excludeUserID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s for document %s: %v", msg.Kind(), r.DocumentID, err)
		return
	}
	for userID, s := range r.sessions {
		if userID == excludeUserID {
			continue
		}
		r.push(s, msg.Kind(), data)
	}
}

func (r *Room) deliver(s *Session, msg protocol.Outbound) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s for document %s: %v", msg.Kind(), r.DocumentID, err)
		return false
	}
	return r.push(s, msg.Kind(), data)
}

// push hands data to the session's outbox. A connection that cannot keep up
// is closed; its transport then takes the normal leave path.
func (r *Room) push(s *Session, kind protocol.Type, data []byte) bool {
	if s.outbox.Deliver(data) {
		return true
	}
	log.Printf("⚠️  Session %s cannot take %s, closing connection", s.ID, kind)
	s.outbox.Close()
	return false
}
