package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"
	"codecollab/internal/protocol"
	"codecollab/internal/services"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotJoined is reported for messages that need a session before join.
	ErrNotJoined = errors.New("connection has not joined a document")
	// ErrIdentityMismatch is reported when a message names another user or document.
	ErrIdentityMismatch = errors.New("message identity does not match the joined session")
)

// Settings tune the coordinator.
type Settings struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	EnforceMembership bool
	PersistWorkers    int
	PersistQueueSize  int
	StoreTimeout      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		InactivityTimeout: 5 * time.Minute,
		SweepInterval:     5 * time.Minute,
		PersistWorkers:    4,
		PersistQueueSize:  128,
		StoreTimeout:      5 * time.Second,
	}
}

// SessionManager coordinates every room of the process: it binds connections
// to sessions, runs the lock protocol, evicts silent sessions and hands
// accepted edits to the persistence worker pool.
type SessionManager struct {
	registry *Registry
	store    services.Store
	queue    *services.PersistQueue
	settings Settings
	now      func() time.Time

	mu    sync.Mutex
	peers map[*Peer]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSessionManager creates a manager. A nil store keeps rooms in memory only.
func NewSessionManager(store services.Store, settings Settings) *SessionManager {
	defaults := DefaultSettings()
	if settings.InactivityTimeout <= 0 {
		settings.InactivityTimeout = defaults.InactivityTimeout
	}
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = defaults.SweepInterval
	}
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = defaults.StoreTimeout
	}
	if settings.PersistWorkers <= 0 {
		settings.PersistWorkers = defaults.PersistWorkers
	}
	if settings.PersistQueueSize <= 0 {
		settings.PersistQueueSize = defaults.PersistQueueSize
	}

	m := &SessionManager{
		store:    store,
		settings: settings,
		now:      time.Now,
		peers:    make(map[*Peer]struct{}),
		done:     make(chan struct{}),
	}
	m.registry = NewRegistry(m.clock)
	if store != nil {
		m.queue = services.NewPersistQueue(store, settings.PersistWorkers, settings.PersistQueueSize, m.onPersistResult)
	}
	return m
}

// SetClock replaces the time source. Call before Start.
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *SessionManager) clock() time.Time {
	return m.now()
}

// Registry exposes the room registry for read paths.
func (m *SessionManager) Registry() *Registry {
	return m.registry
}

// Start launches the persistence workers and the inactivity sweep.
func (m *SessionManager) Start() {
	log.Println("🔄 Starting collaboration session manager...")

	if m.queue != nil {
		m.queue.Start()
	}

	m.wg.Add(1)
	go m.sweepLoop()

	log.Printf("✓ Session manager started (inactivity timeout %s, sweep every %s)",
		m.settings.InactivityTimeout, m.settings.SweepInterval)
}

// Shutdown stops the sweep, closes every connection and drains pending writes.
func (m *SessionManager) Shutdown() {
	m.stopOnce.Do(func() {
		log.Println("🛑 Shutting down session manager...")
		close(m.done)
		m.wg.Wait()

		m.mu.Lock()
		for p := range m.peers {
			p.outbox.Close()
		}
		m.mu.Unlock()

		if m.queue != nil {
			m.queue.Shutdown()
		}
		log.Println("✓ Session manager shutdown complete")
	})
}

// Connect registers a new connection. documentID pins it to one document
// when non-empty.
func (m *SessionManager) Connect(outbox Outbox, documentID string) *Peer {
	p := &Peer{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		outbox:     outbox,
	}

	m.mu.Lock()
	m.peers[p] = struct{}{}
	m.mu.Unlock()
	return p
}

// Disconnect is the implicit leave of a closed connection.
func (m *SessionManager) Disconnect(p *Peer) {
	m.mu.Lock()
	delete(m.peers, p)
	m.mu.Unlock()

	if p.session != nil {
		m.leave(p)
	}
}

// Handle processes one decoded message from p to completion.
func (m *SessionManager) Handle(ctx context.Context, p *Peer, msg protocol.Inbound) {
	ctx, span := middleware.StartSpan(ctx, "Collaboration."+string(msg.Kind()),
		attribute.String("peer.id", p.ID),
	)
	defer span.End()

	switch msg := msg.(type) {
	case protocol.Join:
		m.join(ctx, p, msg)

	case protocol.Leave:
		if _, _, err := m.bind(p, msg.UserID, msg.DocumentID); err != nil {
			m.reject(ctx, p, err)
			return
		}
		m.leave(p)

	case protocol.Ping:
		if p.session != nil {
			m.bind(p, "", "")
		}
		m.send(p.outbox, protocol.Pong{})

	case protocol.StartEdit:
		s, room, err := m.bind(p, msg.UserID, msg.DocumentID)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		_, acquired, err := room.requestEdit(s)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		if acquired {
			m.submit(services.PersistJob{Kind: services.JobSetEditing, DocumentID: s.DocumentID, UserID: s.UserID, Editing: true})
		}

	case protocol.StopEdit:
		s, room, err := m.bind(p, msg.UserID, msg.DocumentID)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		released, err := room.releaseEdit(s)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		if released {
			m.submit(services.PersistJob{Kind: services.JobSetEditing, DocumentID: s.DocumentID, UserID: s.UserID})
		}

	case protocol.CodeUpdate:
		s, room, err := m.bind(p, msg.UserID, msg.DocumentID)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		accepted, err := room.applyCodeUpdate(s, msg.Code, msg.Revision)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		if !accepted {
			middleware.AddSpanEvent(ctx, "code_update.rejected", attribute.String("user.id", s.UserID))
			return
		}
		err = m.submit(services.PersistJob{
			Kind:       services.JobAppendEdit,
			DocumentID: s.DocumentID,
			UserID:     s.UserID,
			Content:    msg.Code,
			Revision:   msg.Revision,
		})
		if err != nil {
			middleware.AddSpanError(ctx, err)
			m.send(s.outbox, protocol.Warning{
				Code:    protocol.WarnPersistenceUnavailable,
				Message: "edit applied but not saved: " + err.Error(),
			})
		}

	case protocol.CursorPosition:
		s, room, err := m.bind(p, msg.UserID, msg.DocumentID)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		if err := room.relayCursor(s, msg.Position); err != nil {
			m.reject(ctx, p, err)
		}

	case protocol.ChatMessage:
		s, room, err := m.bind(p, msg.UserID, msg.DocumentID)
		if err != nil {
			m.reject(ctx, p, err)
			return
		}
		id := msg.ID
		if id == "" {
			id = ksuid.New().String()
		}
		chat := protocol.ChatBroadcast{ID: id, UserID: s.UserID, Message: msg.Message, CreatedAt: m.clock()}
		if err := room.relayChat(s, chat); err != nil {
			m.reject(ctx, p, err)
		}

	default:
		log.Printf("⚠️  Peer %s sent unsupported message %s", p.ID, msg.Kind())
		m.send(p.outbox, protocol.Error{Code: protocol.ErrCodeBadMessage, Message: "unsupported message " + string(msg.Kind())})
	}
}

func (m *SessionManager) join(ctx context.Context, p *Peer, msg protocol.Join) {
	if msg.UserID == "" || msg.DocumentID == "" {
		m.send(p.outbox, protocol.Error{Code: protocol.ErrCodeBadMessage, Message: "join needs userId and documentId"})
		return
	}
	if p.DocumentID != "" && msg.DocumentID != p.DocumentID {
		m.reject(ctx, p, ErrIdentityMismatch)
		return
	}

	if p.session != nil {
		m.leave(p)
	}

	isOwner, allowed := m.checkMembership(ctx, msg.DocumentID, msg.UserID)
	if !allowed {
		log.Printf("⚠️  User %s is not a collaborator on document %s", msg.UserID, msg.DocumentID)
		m.send(p.outbox, protocol.Error{Code: protocol.ErrCodeForbidden, Message: "not a collaborator on this document"})
		return
	}

	displayName := msg.DisplayName
	if displayName == "" {
		displayName = msg.UserID
	}
	record := models.NewSession(msg.DocumentID, msg.UserID, displayName, m.clock())
	record.IsOwner = isOwner
	s := newSession(record, p.outbox)

	room, created, _ := m.registry.JoinRoom(s)
	p.session = s

	middleware.AddSpanEvent(ctx, "room.joined",
		attribute.String("document.id", s.DocumentID),
		attribute.String("user.id", s.UserID),
		attribute.Bool("room.created", created),
	)

	if created && m.store != nil {
		go m.seedRoom(room)
	}
}

func (m *SessionManager) leave(p *Peer) {
	s := p.session
	p.session = nil
	m.evict(s)
}

func (m *SessionManager) evict(s *Session) {
	_, released := m.registry.LeaveRoom(s)
	if released {
		m.submit(services.PersistJob{Kind: services.JobSetEditing, DocumentID: s.DocumentID, UserID: s.UserID})
	}
}

// bind resolves the session and room a message acts on and refreshes the
// session's liveness. Empty userID or documentID mean "the joined one".
func (m *SessionManager) bind(p *Peer, userID, documentID string) (*Session, *Room, error) {
	s := p.session
	if s == nil {
		return nil, nil, ErrNotJoined
	}
	if (userID != "" && userID != s.UserID) || (documentID != "" && documentID != s.DocumentID) {
		return nil, nil, ErrIdentityMismatch
	}

	room, ok := m.registry.Get(s.DocumentID)
	if !ok || !room.touch(s, m.clock()) {
		// Evicted by the sweep or replaced by a newer connection.
		p.session = nil
		return nil, nil, ErrNotJoined
	}
	return s, room, nil
}

func (m *SessionManager) reject(ctx context.Context, p *Peer, err error) {
	middleware.AddSpanError(ctx, err)

	code := protocol.ErrCodeBadMessage
	switch {
	case errors.Is(err, ErrNotJoined), errors.Is(err, errNotMember):
		code = protocol.ErrCodeNotJoined
		p.session = nil
	case errors.Is(err, ErrIdentityMismatch):
		code = protocol.ErrCodeIdentity
		log.Printf("⚠️  Peer %s: %v", p.ID, err)
	}
	m.send(p.outbox, protocol.Error{Code: code, Message: err.Error()})
}

// checkMembership looks the user up in the document's collaborator list. A
// store failure never blocks a join.
func (m *SessionManager) checkMembership(ctx context.Context, documentID, userID string) (isOwner, allowed bool) {
	if m.store == nil {
		return false, true
	}

	ctx, cancel := context.WithTimeout(ctx, m.settings.StoreTimeout)
	defer cancel()

	list, err := m.store.ListCollaborators(ctx, documentID)
	if err != nil {
		log.Printf("⚠️  Could not list collaborators for document %s: %v", documentID, err)
		middleware.AddSpanError(ctx, err)
		return false, true
	}

	for _, c := range list {
		if c.UserID == userID {
			return c.IsOwner, true
		}
	}
	return false, !m.settings.EnforceMembership || len(list) == 0
}

func (m *SessionManager) seedRoom(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), m.settings.StoreTimeout)
	defer cancel()

	version, err := m.store.LoadLatestVersion(ctx, room.DocumentID)
	if err != nil {
		log.Printf("⚠️  Could not load document %s, continuing in memory: %v", room.DocumentID, err)
		return
	}
	if version == nil {
		return
	}
	room.seed(version.Content, version.Version)
}

func (m *SessionManager) submit(job services.PersistJob) error {
	if m.queue == nil {
		return nil
	}
	if err := m.queue.Submit(job); err != nil {
		log.Printf("⚠️  Could not queue %s for document %s: %v", job.Kind, job.DocumentID, err)
		return err
	}
	return nil
}

func (m *SessionManager) onPersistResult(result services.PersistResult) {
	if result.Job.Kind != services.JobAppendEdit {
		return
	}

	var msg protocol.Outbound = protocol.CodePersisted{Revision: result.Job.Revision, Version: result.Version}
	if result.Err != nil {
		msg = protocol.Warning{
			Code:    protocol.WarnPersistenceUnavailable,
			Message: "edit applied but not saved",
		}
	}

	if room, ok := m.registry.Get(result.Job.DocumentID); ok {
		room.sendTo(result.Job.UserID, msg)
	}
}

// ReleaseEdit frees the lock on documentID if userID holds it and clears the
// stored editing flag either way. It serves clients that can no longer use
// their socket, such as a closing browser tab.
func (m *SessionManager) ReleaseEdit(documentID, userID string) bool {
	released := false
	if room, ok := m.registry.Get(documentID); ok {
		released = room.releaseUser(userID)
	}
	m.submit(services.PersistJob{Kind: services.JobSetEditing, DocumentID: documentID, UserID: userID})
	return released
}

// Rooms summarises every live room.
func (m *SessionManager) Rooms() []RoomInfo {
	return m.registry.Snapshot()
}

// RoomCollaborators returns the presence list of documentID's room.
func (m *SessionManager) RoomCollaborators(documentID string) (protocol.Collaborators, bool) {
	room, ok := m.registry.Get(documentID)
	if !ok {
		return protocol.Collaborators{}, false
	}
	return room.Collaborators(), true
}

// QueueLength returns the number of writes waiting for the store.
func (m *SessionManager) QueueLength() int {
	if m.queue == nil {
		return 0
	}
	return m.queue.QueueLength()
}

func (m *SessionManager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every session that has been silent for longer than the
// inactivity timeout, exactly as if it had left. It returns how many were evicted.
func (m *SessionManager) Sweep() int {
	cutoff := m.clock().Add(-m.settings.InactivityTimeout)

	evicted := 0
	for _, room := range m.registry.Rooms() {
		for _, s := range room.staleSessions(cutoff) {
			removed, released := m.registry.EvictIfStale(s, cutoff)
			if !removed {
				continue
			}
			log.Printf("🔄 Evicted inactive session %s (user %s, document %s)", s.ID, s.UserID, s.DocumentID)
			s.outbox.Close()
			if released {
				m.submit(services.PersistJob{Kind: services.JobSetEditing, DocumentID: s.DocumentID, UserID: s.UserID})
			}
			evicted++
		}
	}
	return evicted
}

func (m *SessionManager) send(outbox Outbox, msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s: %v", msg.Kind(), err)
		return
	}
	if !outbox.Deliver(data) {
		outbox.Close()
	}
}
