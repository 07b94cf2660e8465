package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codecollab/internal/models"
	"codecollab/internal/protocol"
	"codecollab/internal/repository"
	"codecollab/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	manager *SessionManager
	clock   *fakeClock
}

func newHarness(t *testing.T, store services.Store, settings Settings) *harness {
	t.Helper()
	clock := newFakeClock()
	manager := NewSessionManager(store, settings)
	manager.SetClock(clock.Now)
	manager.Start()
	t.Cleanup(manager.Shutdown)
	return &harness{t: t, manager: manager, clock: clock}
}

func (h *harness) connect(documentID string) (*Peer, *recordingOutbox) {
	out := &recordingOutbox{}
	return h.manager.Connect(out, documentID), out
}

func (h *harness) join(userID, documentID string) (*Peer, *recordingOutbox) {
	p, out := h.connect("")
	h.manager.Handle(context.Background(), p, protocol.Join{UserID: userID, DocumentID: documentID, DisplayName: userID})
	require.NotNil(h.t, p.Session(), "join of %s failed: %v", userID, kinds(out.messages()))
	return p, out
}

func (h *harness) send(p *Peer, msg protocol.Inbound) {
	h.manager.Handle(context.Background(), p, msg)
}

func errorCodes(out *recordingOutbox) []string {
	var codes []string
	for _, msg := range out.ofKind(protocol.TypeError) {
		codes = append(codes, msg.(protocol.Error).Code)
	}
	return codes
}

func TestScenarioSoleEditorHasNoRecipients(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	a, outA := h.join("A", "doc1")
	outA.drain()

	h.send(a, protocol.StartEdit{UserID: "A", DocumentID: "doc1"})
	assert.Equal(t, []protocol.Type{protocol.TypeEditStarted, protocol.TypeEditGranted}, kinds(outA.drain()))

	h.send(a, protocol.CodeUpdate{UserID: "A", DocumentID: "doc1", Code: "print(1)", Revision: 1})
	assert.Equal(t, []protocol.Outbound{protocol.CodeAccepted{Revision: 1}}, outA.drain())
}

func TestScenarioDeniedEchoAndDisconnect(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	a, outA := h.join("A", "doc1")
	h.send(a, protocol.StartEdit{UserID: "A", DocumentID: "doc1"})

	b, outB := h.join("B", "doc1")
	outA.drain()
	outB.drain()

	// B is denied while A holds the lock.
	h.send(b, protocol.StartEdit{UserID: "B", DocumentID: "doc1"})
	assert.Equal(t, []protocol.Outbound{protocol.EditDenied{CurrentEditor: "A"}}, outB.drain())

	// A's edit reaches B and never comes back to A.
	h.send(a, protocol.CodeUpdate{UserID: "A", DocumentID: "doc1", Code: "print(2)"})
	got := outB.drain()
	require.Len(t, got, 1)
	update := got[0].(protocol.CodeBroadcast)
	assert.Equal(t, "A", update.UserID)
	assert.Equal(t, "print(2)", update.Code)
	assert.Empty(t, outA.ofKind(protocol.TypeCodeUpdate))

	// A's socket closes without stop_edit.
	h.manager.Disconnect(a)
	got = outB.drain()
	require.Equal(t, []protocol.Type{protocol.TypeEditStopped, protocol.TypeUserLeft, protocol.TypeCollaborators}, kinds(got))
	assert.Equal(t, "A", got[0].(protocol.EditStopped).UserID)
	assert.Nil(t, got[2].(protocol.Collaborators).CurrentEditor)

	h.send(b, protocol.StartEdit{UserID: "B", DocumentID: "doc1"})
	assert.Contains(t, kinds(outB.drain()), protocol.TypeEditGranted)
}

func TestScenarioSilentSessionIsEvicted(t *testing.T) {
	h := newHarness(t, nil, Settings{InactivityTimeout: 5 * time.Minute})

	b, outB := h.join("B", "doc1")
	c, outC := h.join("C", "doc1")
	h.send(c, protocol.StartEdit{UserID: "C", DocumentID: "doc1"})
	outB.drain()

	h.clock.Advance(3 * time.Minute)
	h.send(b, protocol.Ping{})
	assert.Equal(t, 0, h.manager.Sweep())

	h.clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, h.manager.Sweep())

	assert.True(t, outC.isClosed())
	got := outB.drain()
	assert.Contains(t, kinds(got), protocol.TypePong)
	assert.Contains(t, kinds(got), protocol.TypeEditStopped)
	assert.Contains(t, kinds(got), protocol.TypeUserLeft)

	room, ok := h.manager.Registry().Get("doc1")
	require.True(t, ok)
	assert.Empty(t, room.Holder())
	assert.Equal(t, 1, room.size())

	// Whatever the evicted connection sends afterwards is refused.
	h.send(c, protocol.CodeUpdate{UserID: "C", DocumentID: "doc1", Code: "late"})
	assert.Nil(t, c.Session())
	code, _ := room.Code()
	assert.Empty(t, code)

	// Its transport then reports the close; nothing else changes.
	h.manager.Disconnect(c)
	assert.Equal(t, 1, room.size())
}

func TestEvictionRemovesEmptyRoom(t *testing.T) {
	h := newHarness(t, nil, Settings{InactivityTimeout: time.Minute})

	h.join("C", "doc1")
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.manager.Sweep())
	assert.Equal(t, 0, h.manager.Registry().Len())
}

func TestMutualExclusionUnderContention(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	const users = 16
	peers := make([]*Peer, users)
	outs := make([]*recordingOutbox, users)
	for i := range peers {
		peers[i], outs[i] = h.join(fmt.Sprintf("user%d", i), "doc1")
	}

	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.send(peers[i], protocol.StartEdit{})
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, out := range outs {
		granted += len(out.ofKind(protocol.TypeEditGranted))
	}
	assert.Equal(t, 1, granted)

	room, _ := h.manager.Registry().Get("doc1")
	editing := 0
	for _, c := range room.Collaborators().Collaborators {
		if c.IsEditing {
			editing++
		}
	}
	assert.Equal(t, 1, editing)
}

func TestHandleRejectsUnjoinedAndForeignIdentity(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	p, out := h.connect("")
	h.send(p, protocol.StartEdit{UserID: "A", DocumentID: "doc1"})
	assert.Equal(t, []string{protocol.ErrCodeNotJoined}, errorCodes(out))

	h.send(p, protocol.Ping{})
	assert.Len(t, out.ofKind(protocol.TypePong), 1)

	h.send(p, protocol.Join{UserID: "A"})
	assert.Contains(t, errorCodes(out), protocol.ErrCodeBadMessage)

	a, outA := h.join("A", "doc1")
	h.send(a, protocol.StartEdit{UserID: "B", DocumentID: "doc1"})
	h.send(a, protocol.CodeUpdate{UserID: "A", DocumentID: "doc2", Code: "x"})
	assert.Equal(t, []string{protocol.ErrCodeIdentity, protocol.ErrCodeIdentity}, errorCodes(outA))

	room, _ := h.manager.Registry().Get("doc1")
	assert.Empty(t, room.Holder())
}

func TestPinnedConnectionCannotJoinOtherDocument(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	p, out := h.connect("doc1")
	h.send(p, protocol.Join{UserID: "A", DocumentID: "doc2"})
	assert.Equal(t, []string{protocol.ErrCodeIdentity}, errorCodes(out))
	assert.Nil(t, p.Session())

	h.send(p, protocol.Join{UserID: "A", DocumentID: "doc1"})
	assert.NotNil(t, p.Session())
}

func TestSecondJoinLeavesPreviousRoom(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	a, _ := h.join("A", "doc1")
	h.send(a, protocol.StartEdit{})
	h.send(a, protocol.Join{UserID: "A", DocumentID: "doc2"})

	_, ok := h.manager.Registry().Get("doc1")
	assert.False(t, ok)
	assert.Equal(t, "doc2", a.Session().DocumentID)
}

func TestSameUserSecondConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	first, firstOut := h.join("A", "doc1")
	h.send(first, protocol.StartEdit{})
	second, secondOut := h.join("A", "doc1")

	assert.True(t, firstOut.isClosed())
	h.manager.Disconnect(first)

	room, ok := h.manager.Registry().Get("doc1")
	require.True(t, ok)
	assert.Equal(t, 1, room.size())
	assert.Equal(t, "A", room.Holder())

	h.send(second, protocol.CodeUpdate{Code: "still editing", Revision: 9})
	assert.Contains(t, secondOut.messages(), protocol.Outbound(protocol.CodeAccepted{Revision: 9}))
}

func TestCursorAndChatRelayExcludeSender(t *testing.T) {
	h := newHarness(t, nil, Settings{})

	a, outA := h.join("A", "doc1")
	_, outB := h.join("B", "doc1")
	outA.drain()
	outB.drain()

	h.send(a, protocol.CursorPosition{Position: models.CursorPosition{Line: 3, Column: 7}})
	h.send(a, protocol.ChatMessage{Message: "hi"})

	assert.Empty(t, outA.drain())
	got := outB.drain()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.CursorBroadcast{UserID: "A", Position: models.CursorPosition{Line: 3, Column: 7}}, got[0])

	chat := got[1].(protocol.ChatBroadcast)
	assert.Equal(t, "A", chat.UserID)
	assert.Equal(t, "hi", chat.Message)
	assert.NotEmpty(t, chat.ID)
	assert.True(t, h.clock.Now().Equal(chat.CreatedAt))
}

func TestAcceptedEditIsPersisted(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHarness(t, store, Settings{})

	a, outA := h.join("A", "doc1")
	h.send(a, protocol.StartEdit{})
	h.send(a, protocol.CodeUpdate{Code: "v1", Revision: 1})
	h.send(a, protocol.CodeUpdate{Code: "v2", Revision: 2})

	require.Eventually(t, func() bool {
		return len(outA.ofKind(protocol.TypeCodePersisted)) == 2
	}, time.Second, 5*time.Millisecond)

	persisted := outA.ofKind(protocol.TypeCodePersisted)
	assert.Equal(t, protocol.CodePersisted{Revision: 1, Version: 1}, persisted[0])
	assert.Equal(t, protocol.CodePersisted{Revision: 2, Version: 2}, persisted[1])

	edits := store.Edits("doc1")
	require.Len(t, edits, 2)
	assert.Equal(t, "v2", edits[1].Content)
	assert.Equal(t, "A", edits[1].UserID)
}

// stallingStore holds every append until release is closed.
type stallingStore struct {
	*repository.MemoryStore
	release chan struct{}
}

func (s stallingStore) AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error) {
	<-s.release
	return s.MemoryStore.AppendEdit(ctx, documentID, authorID, content)
}

func TestZeroSettingsQueueEveryEdit(t *testing.T) {
	store := stallingStore{MemoryStore: repository.NewMemoryStore(), release: make(chan struct{})}
	h := newHarness(t, store, Settings{})
	assert.Equal(t, DefaultSettings().PersistWorkers, h.manager.settings.PersistWorkers)
	assert.Equal(t, DefaultSettings().PersistQueueSize, h.manager.settings.PersistQueueSize)

	a, outA := h.join("A", "doc1")
	h.send(a, protocol.StartEdit{})
	for i := 1; i <= 5; i++ {
		h.send(a, protocol.CodeUpdate{Code: fmt.Sprintf("v%d", i), Revision: uint64(i)})
	}
	assert.Empty(t, outA.ofKind(protocol.TypeWarning))

	close(store.release)
	require.Eventually(t, func() bool {
		return len(outA.ofKind(protocol.TypeCodePersisted)) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, store.Edits("doc1"), 5)
}

type failingStore struct {
	*repository.MemoryStore
}

func (failingStore) AppendEdit(ctx context.Context, documentID, authorID, content string) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) ListCollaborators(ctx context.Context, documentID string) ([]models.Collaborator, error) {
	return nil, errors.New("connection refused")
}

func TestPersistenceFailureWarnsAuthorOnly(t *testing.T) {
	h := newHarness(t, failingStore{repository.NewMemoryStore()}, Settings{EnforceMembership: true})

	// Membership cannot be checked, so the joins still go through.
	a, outA := h.join("A", "doc1")
	_, outB := h.join("B", "doc1")
	h.send(a, protocol.StartEdit{})
	h.send(a, protocol.CodeUpdate{Code: "x", Revision: 1})

	require.Eventually(t, func() bool {
		return len(outA.ofKind(protocol.TypeWarning)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.WarnPersistenceUnavailable, outA.ofKind(protocol.TypeWarning)[0].(protocol.Warning).Code)

	// Editing continues in memory.
	assert.Len(t, outB.ofKind(protocol.TypeCodeUpdate), 1)
	assert.Empty(t, outB.ofKind(protocol.TypeWarning))
}

func TestRoomIsSeededFromStore(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutSavedCode(models.SavedCode{ID: "doc1", Code: "saved()"})
	h := newHarness(t, store, Settings{})

	_, outA := h.join("A", "doc1")
	require.Eventually(t, func() bool {
		return len(outA.ofKind(protocol.TypeCodeUpdate)) == 1
	}, time.Second, 5*time.Millisecond)

	seeded := outA.ofKind(protocol.TypeCodeUpdate)[0].(protocol.CodeBroadcast)
	assert.Empty(t, seeded.UserID)
	assert.Equal(t, "saved()", seeded.Code)

	// Later joiners get the cached snapshot immediately.
	_, outB := h.join("B", "doc1")
	assert.Len(t, outB.ofKind(protocol.TypeCodeUpdate), 1)
}

func TestMembershipEnforcement(t *testing.T) {
	store := repository.NewMemoryStore()
	store.AddCollaborator("doc1", "owner", true)
	h := newHarness(t, store, Settings{EnforceMembership: true})

	p, out := h.connect("")
	h.send(p, protocol.Join{UserID: "stranger", DocumentID: "doc1"})
	assert.Equal(t, []string{protocol.ErrCodeForbidden}, errorCodes(out))
	assert.Nil(t, p.Session())

	_, outOwner := h.join("owner", "doc1")
	list := outOwner.ofKind(protocol.TypeCollaborators)
	require.NotEmpty(t, list)
	assert.True(t, list[0].(protocol.Collaborators).Collaborators[0].IsOwner)

	// Documents without a collaborator list stay open.
	h.join("anyone", "doc2")
}

func TestReleaseEditFromBeacon(t *testing.T) {
	store := repository.NewMemoryStore()
	store.AddCollaborator("doc1", "A", true)
	h := newHarness(t, store, Settings{})

	a, _ := h.join("A", "doc1")
	_, outB := h.join("B", "doc1")
	h.send(a, protocol.StartEdit{})

	require.Eventually(t, func() bool {
		list, _ := store.ListCollaborators(context.Background(), "doc1")
		return list[0].IsEditing
	}, time.Second, 5*time.Millisecond)

	assert.False(t, h.manager.ReleaseEdit("doc1", "B"))
	assert.True(t, h.manager.ReleaseEdit("doc1", "A"))
	assert.NotEmpty(t, outB.ofKind(protocol.TypeEditStopped))

	require.Eventually(t, func() bool {
		list, _ := store.ListCollaborators(context.Background(), "doc1")
		return !list[0].IsEditing
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	manager := NewSessionManager(nil, Settings{})
	manager.Start()

	out := &recordingOutbox{}
	manager.Connect(out, "")
	manager.Shutdown()
	manager.Shutdown()

	assert.True(t, out.isClosed())
}
