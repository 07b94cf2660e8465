package collaboration

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Registry maps document IDs to live rooms. A room exists exactly while it has
// at least one session: creation and removal happen under mu together with
// the membership change that causes them. Lock order is registry, then room.
type Registry struct {
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:   now,
		rooms: make(map[string]*Room),
	}
}

// JoinRoom adds s to the room for its document, creating the room if needed.
func (g *Registry) JoinRoom(s *Session) (room *Room, created bool, replaced *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, created = g.getOrCreate(s.DocumentID)
	replaced = room.join(s)
	return room, created, replaced
}

// LeaveRoom removes s from its room and drops the room once it is empty.
func (g *Registry) LeaveRoom(s *Session) (removed, released bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[s.DocumentID]
	if !ok {
		return false, false
	}
	removed, released = room.leave(s)
	g.removeIfEmpty(s.DocumentID)
	return removed, released
}

// EvictIfStale removes s if it has not been seen since cutoff, dropping the
// room once it is empty. Sessions touched after the sweep listed them stay.
func (g *Registry) EvictIfStale(s *Session, cutoff time.Time) (removed, released bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[s.DocumentID]
	if !ok {
		return false, false
	}
	removed, released = room.leaveIfStale(s, cutoff)
	g.removeIfEmpty(s.DocumentID)
	return removed, released
}

// getOrCreate must be called with mu held.
func (g *Registry) getOrCreate(documentID string) (*Room, bool) {
	if room, ok := g.rooms[documentID]; ok {
		return room, false
	}
	room := newRoom(documentID, g.now)
	g.rooms[documentID] = room
	log.Printf("  Opened room for document %s (rooms: %d)", documentID, len(g.rooms))
	return room, true
}

// removeIfEmpty must be called with mu held.
func (g *Registry) removeIfEmpty(documentID string) bool {
	room, ok := g.rooms[documentID]
	if !ok || room.size() > 0 {
		return false
	}
	delete(g.rooms, documentID)
	log.Printf("  Closed room for document %s (rooms: %d)", documentID, len(g.rooms))
	return true
}

// Get returns the room for documentID if it is live.
func (g *Registry) Get(documentID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[documentID]
	return room, ok
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Rooms returns the live rooms ordered by document ID.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].DocumentID < rooms[j].DocumentID })
	return rooms
}

// Snapshot summarises every live room.
func (g *Registry) Snapshot() []RoomInfo {
	rooms := g.Rooms()
	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	return infos
}
