package collaboration

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codecollab/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, settings TransportSettings) (*httptest.Server, *SessionManager) {
	t.Helper()
	manager := NewSessionManager(nil, Settings{})
	manager.Start()
	t.Cleanup(manager.Shutdown)

	handler := NewWebSocketHandler(manager, settings)
	router := mux.NewRouter()
	router.HandleFunc("/ws", handler.HandleConnection)
	router.HandleFunc("/ws/document/{id}", handler.HandleConnection)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, manager
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg protocol.Inbound) {
	t.Helper()
	data, err := protocol.EncodeInbound(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads messages until one of kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind protocol.Type) protocol.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.DecodeOutbound(data)
		require.NoError(t, err)
		if msg.Kind() == kind {
			return msg
		}
	}
}

func TestWebSocketEditRoundTrip(t *testing.T) {
	server, manager := newTestServer(t, TransportSettings{})

	a := dial(t, server, "/ws/document/doc1")
	sendMsg(t, a, protocol.Join{UserID: "A", DocumentID: "doc1", DisplayName: "Alice"})
	readUntil(t, a, protocol.TypeCollaborators)

	sendMsg(t, a, protocol.StartEdit{UserID: "A", DocumentID: "doc1"})
	readUntil(t, a, protocol.TypeEditGranted)

	b := dial(t, server, "/ws")
	sendMsg(t, b, protocol.Join{UserID: "B", DocumentID: "doc1", DisplayName: "Bob"})
	list := readUntil(t, b, protocol.TypeCollaborators).(protocol.Collaborators)
	require.NotNil(t, list.CurrentEditor)
	assert.Equal(t, "A", *list.CurrentEditor)

	sendMsg(t, a, protocol.CodeUpdate{UserID: "A", DocumentID: "doc1", Code: "print(2)", Revision: 1})
	assert.Equal(t, protocol.CodeAccepted{Revision: 1}, readUntil(t, a, protocol.TypeCodeAccepted))
	update := readUntil(t, b, protocol.TypeCodeUpdate).(protocol.CodeBroadcast)
	assert.Equal(t, "print(2)", update.Code)

	// Closing the holder's socket releases the lock.
	a.Close()
	stopped := readUntil(t, b, protocol.TypeEditStopped).(protocol.EditStopped)
	assert.Equal(t, "A", stopped.UserID)

	require.Eventually(t, func() bool {
		room, ok := manager.Registry().Get("doc1")
		return ok && room.size() == 1 && room.Holder() == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketBadMessageKeepsConnection(t *testing.T) {
	server, _ := newTestServer(t, TransportSettings{})

	conn := dial(t, server, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	errMsg := readUntil(t, conn, protocol.TypeError).(protocol.Error)
	assert.Equal(t, protocol.ErrCodeBadMessage, errMsg.Code)

	sendMsg(t, conn, protocol.Ping{})
	readUntil(t, conn, protocol.TypePong)
}

func TestWebSocketRateLimit(t *testing.T) {
	server, _ := newTestServer(t, TransportSettings{MessagesPerSecond: 1, MessageBurst: 2})

	conn := dial(t, server, "/ws")
	for i := 0; i < 5; i++ {
		sendMsg(t, conn, protocol.Ping{})
	}
	warning := readUntil(t, conn, protocol.TypeWarning).(protocol.Warning)
	assert.Equal(t, protocol.WarnRateLimited, warning.Code)
}

func TestWebSocketPinnedDocument(t *testing.T) {
	server, _ := newTestServer(t, TransportSettings{})

	conn := dial(t, server, "/ws/document/doc1")
	sendMsg(t, conn, protocol.Join{UserID: "A", DocumentID: "doc2"})
	errMsg := readUntil(t, conn, protocol.TypeError).(protocol.Error)
	assert.Equal(t, protocol.ErrCodeIdentity, errMsg.Code)
}
