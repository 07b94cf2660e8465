// Package client is the editor-side half of the collaboration protocol. A
// Coordinator keeps a local copy of the document, tags every change with its
// origin so remote edits are never echoed back, batches local keystrokes,
// keeps the connection alive and releases the lock when the editor goes away.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"codecollab/internal/models"
	"codecollab/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrNotEditing     = errors.New("edit lock not held")
	ErrClosed         = errors.New("coordinator closed")
	ErrUnsavedChanges = errors.New("closed with unsaved changes")
)

// LockDeniedError is returned by RequestEdit while someone else edits.
type LockDeniedError struct {
	CurrentEditor string
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("document is being edited by %s", e.CurrentEditor)
}

// Origin says where a buffer change came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

type EventKind int

const (
	// EventMessage carries every message received from the coordinator.
	EventMessage EventKind = iota
	// EventCodeChanged fires after the local buffer changed.
	EventCodeChanged
	EventConnected
	EventDisconnected
)

// Event is passed to Options.OnEvent. It is never delivered while internal
// locks are held, so handlers may call back into the Coordinator.
type Event struct {
	Kind    EventKind
	Message protocol.Outbound
	Code    string
	Origin  Origin
}

type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws
	URL string
	// BeaconURL receives the stop-editing notification on Close. Optional.
	BeaconURL string

	UserID      string
	DocumentID  string
	DisplayName string

	Debounce          time.Duration
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	WriteTimeout      time.Duration

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	OnEvent    func(Event)
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if o.DisplayName == "" {
		o.DisplayName = o.UserID
	}
}

// Coordinator is one editor's connection to one document.
type Coordinator struct {
	opts Options
	id   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	flushMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	closed        bool
	code          string
	editing       bool
	currentEditor string
	collaborators []protocol.Collaborator
	dirty         bool // local changes not yet sent
	unsaved       bool // local changes not yet acknowledged
	revision      uint64
	sentRevision  uint64
	ackedRevision uint64
	persisted     int64
	timer         *time.Timer
	lockWaiters   []chan protocol.Outbound
}

func New(opts Options) *Coordinator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:   opts,
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects, joins the document and keeps the connection alive until
// Close. Only the first dial is synchronous; later drops are retried with
// exponential backoff.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.opts.UserID == "" || c.opts.DocumentID == "" {
		return errors.New("client: UserID and DocumentID are required")
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.wg.Add(2)
	go c.run(conn)
	go c.heartbeat()
	return nil
}

func (c *Coordinator) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(protocol.Join{
		UserID:      c.opts.UserID,
		DocumentID:  c.opts.DocumentID,
		DisplayName: c.opts.DisplayName,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join %s: %w", c.opts.DocumentID, err)
	}

	log.Printf("✓ Client %s joined document %s as %s", c.id, c.opts.DocumentID, c.opts.UserID)
	c.emit(Event{Kind: EventConnected})
	return conn, nil
}

func (c *Coordinator) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for conn != nil {
		c.readLoop(conn)
		c.disconnected(conn)
		conn = c.reconnect()
	}
}

func (c *Coordinator) reconnect() *websocket.Conn {
	delay := c.opts.ReconnectMin
	for {
		if c.ctx.Err() != nil {
			return nil
		}
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := c.connect(c.ctx)
		if err == nil {
			return conn
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		log.Printf("⚠️  Client %s reconnect failed, retrying in %s: %v", c.id, delay, err)

		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

func (c *Coordinator) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Printf("⚠️  Client %s lost connection: %v", c.id, err)
			}
			return
		}

		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			log.Printf("⚠️  Client %s ignoring message: %v", c.id, err)
			continue
		}
		c.dispatch(msg)
	}
}

// disconnected drops the lock locally: the coordinator releases it as soon as
// it sees the socket close.
func (c *Coordinator) disconnected(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.editing = false
	if c.currentEditor == c.opts.UserID {
		c.currentEditor = ""
	}
	waiters := c.takeLockWaitersLocked()
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	c.emit(Event{Kind: EventDisconnected})
}

func (c *Coordinator) dispatch(msg protocol.Outbound) {
	var (
		changed  bool
		code     string
		waiters  []chan protocol.Outbound
		flushNow bool
	)

	c.mu.Lock()
	switch m := msg.(type) {
	case protocol.Collaborators:
		c.collaborators = m.Collaborators
		c.currentEditor = ""
		if m.CurrentEditor != nil {
			c.currentEditor = *m.CurrentEditor
		}
		c.editing = c.currentEditor == c.opts.UserID

	case protocol.EditGranted:
		c.editing = true
		c.currentEditor = c.opts.UserID
		waiters = c.takeLockWaitersLocked()
		flushNow = c.dirty

	case protocol.EditDenied:
		c.currentEditor = m.CurrentEditor
		waiters = c.takeLockWaitersLocked()

	case protocol.EditStarted:
		c.currentEditor = m.UserID
		c.editing = m.UserID == c.opts.UserID

	case protocol.EditStopped:
		if c.currentEditor == m.UserID {
			c.currentEditor = ""
		}
		if m.UserID == c.opts.UserID {
			c.editing = false
		}

	case protocol.CodeBroadcast:
		// A stored snapshot never overwrites typing the lock holder has not sent yet.
		if m.UserID == "" && c.editing && c.dirty {
			log.Printf("⚠️  Client %s kept local edits over the stored snapshot of %s", c.id, c.opts.DocumentID)
			break
		}
		// Remote content replaces the buffer and supersedes any pending local batch.
		changed, code = c.applyLocked(m.Code, OriginRemote)

	case protocol.CodeAccepted:
		if m.Revision > c.ackedRevision {
			c.ackedRevision = m.Revision
		}
		if m.Revision == c.sentRevision && !c.dirty {
			c.unsaved = false
		}

	case protocol.CodePersisted:
		if m.Version > c.persisted {
			c.persisted = m.Version
		}

	case protocol.Warning:
		log.Printf("⚠️  Client %s: coordinator warning %s: %s", c.id, m.Code, m.Message)

	case protocol.Error:
		log.Printf("⚠️  Client %s: coordinator error %s: %s", c.id, m.Code, m.Message)
	}
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- msg
	}
	if changed {
		c.emit(Event{Kind: EventCodeChanged, Code: code, Origin: OriginRemote})
	}
	if flushNow {
		go c.flush()
	}
	c.emit(Event{Kind: EventMessage, Message: msg})
}

// applyLocked is the single place the buffer changes. Local changes are
// queued for sending; remote ones cancel whatever local batch was pending.
func (c *Coordinator) applyLocked(code string, origin Origin) (bool, string) {
	changed := c.code != code
	c.code = code

	switch origin {
	case OriginLocal:
		c.dirty = true
		c.unsaved = true
		if c.timer == nil {
			c.timer = time.AfterFunc(c.opts.Debounce, func() { c.flush() })
		} else {
			c.timer.Reset(c.opts.Debounce)
		}
	case OriginRemote:
		c.dirty = false
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.ackedRevision == c.sentRevision {
			c.unsaved = false
		}
	}
	return changed, code
}

// LocalEdit replaces the buffer with code typed by this editor. The change is
// sent after the debounce interval, coalesced with any edits that follow it.
func (c *Coordinator) LocalEdit(code string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.editing {
		c.mu.Unlock()
		return ErrNotEditing
	}
	c.applyLocked(code, OriginLocal)
	c.mu.Unlock()

	c.emit(Event{Kind: EventCodeChanged, Code: code, Origin: OriginLocal})
	return nil
}

// flush sends the pending local batch, if any, as one code_update.
func (c *Coordinator) flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if !c.dirty || !c.editing {
		c.mu.Unlock()
		return nil
	}
	c.revision++
	revision, code := c.revision, c.code
	c.sentRevision = revision
	c.dirty = false
	c.mu.Unlock()

	err := c.send(protocol.CodeUpdate{
		UserID:     c.opts.UserID,
		DocumentID: c.opts.DocumentID,
		Code:       code,
		Revision:   revision,
	})
	if err != nil {
		c.mu.Lock()
		if c.sentRevision == revision {
			c.dirty = true
		}
		c.mu.Unlock()
		log.Printf("⚠️  Client %s could not send revision %d: %v", c.id, revision, err)
	}
	return err
}

// RequestEdit asks for the lock and waits for the answer.
func (c *Coordinator) RequestEdit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.editing {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan protocol.Outbound, 1)
	c.lockWaiters = append(c.lockWaiters, ch)
	c.mu.Unlock()

	err := c.send(protocol.StartEdit{
		UserID:      c.opts.UserID,
		DocumentID:  c.opts.DocumentID,
		DisplayName: c.opts.DisplayName,
	})
	if err != nil {
		c.dropLockWaiter(ch)
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if denied, isDenied := msg.(protocol.EditDenied); isDenied {
			return &LockDeniedError{CurrentEditor: denied.CurrentEditor}
		}
		return nil
	case <-ctx.Done():
		c.dropLockWaiter(ch)
		return ctx.Err()
	}
}

// StopEdit sends whatever is pending, then gives the lock back.
func (c *Coordinator) StopEdit(ctx context.Context) error {
	c.mu.Lock()
	if !c.editing {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if err := c.flush(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.send(protocol.StopEdit{UserID: c.opts.UserID, DocumentID: c.opts.DocumentID})

	c.mu.Lock()
	c.editing = false
	if c.currentEditor == c.opts.UserID {
		c.currentEditor = ""
	}
	c.mu.Unlock()
	return err
}

func (c *Coordinator) SendCursor(pos models.CursorPosition) error {
	return c.send(protocol.CursorPosition{UserID: c.opts.UserID, DocumentID: c.opts.DocumentID, Position: pos})
}

func (c *Coordinator) SendChat(message string) error {
	return c.send(protocol.ChatMessage{
		ID:         uuid.NewString(),
		UserID:     c.opts.UserID,
		DocumentID: c.opts.DocumentID,
		Message:    message,
	})
}

func (c *Coordinator) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.Ping{}); err != nil && !errors.Is(err, ErrNotConnected) {
				log.Printf("⚠️  Client %s heartbeat failed: %v", c.id, err)
			}
		}
	}
}

// Close leaves the document. A held lock is released over the socket and,
// since the socket may already be gone, through the stop-editing beacon
// without waiting for it. Local edits that never reached the coordinator are
// reported as ErrUnsavedChanges.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasEditing := c.editing
	unsaved := c.unsaved
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if wasEditing {
		_ = c.send(protocol.StopEdit{UserID: c.opts.UserID, DocumentID: c.opts.DocumentID})
		c.sendBeacon()
	}

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()

	log.Printf("✓ Client %s left document %s", c.id, c.opts.DocumentID)
	if unsaved {
		return ErrUnsavedChanges
	}
	return nil
}

func (c *Coordinator) sendBeacon() {
	if c.opts.BeaconURL == "" {
		return
	}

	body, err := json.Marshal(map[string]string{
		"documentId": c.opts.DocumentID,
		"userId":     c.opts.UserID,
	})
	if err != nil {
		return
	}

	go func() {
		resp, err := c.opts.HTTPClient.Post(c.opts.BeaconURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("⚠️  Client %s stop-editing beacon failed: %v", c.id, err)
			return
		}
		resp.Body.Close()
	}()
}

func (c *Coordinator) send(msg protocol.Inbound) error {
	data, err := protocol.EncodeInbound(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Coordinator) emit(e Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(e)
	}
}

func (c *Coordinator) takeLockWaitersLocked() []chan protocol.Outbound {
	waiters := c.lockWaiters
	c.lockWaiters = nil
	return waiters
}

func (c *Coordinator) dropLockWaiter(ch chan protocol.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.lockWaiters {
		if w == ch {
			c.lockWaiters = append(c.lockWaiters[:i], c.lockWaiters[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Coordinator) IsEditing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// CurrentEditor returns the lock holder as last reported, or "".
func (c *Coordinator) CurrentEditor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentEditor
}

func (c *Coordinator) Collaborators() []protocol.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Collaborator(nil), c.collaborators...)
}

// HasUnsavedChanges reports local edits the coordinator has not acknowledged yet.
func (c *Coordinator) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsaved
}

// PersistedVersion is the highest stored version acknowledged for this editor's edits.
func (c *Coordinator) PersistedVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}
