package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codecollab/internal/models"
	"codecollab/internal/protocol"
	"codecollab/internal/services/collaboration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	rooms    []collaboration.RoomInfo
	lists    map[string]protocol.Collaborators
	holders  map[string]string
	released []string
}

func (f *fakeCoordinator) Rooms() []collaboration.RoomInfo { return f.rooms }

func (f *fakeCoordinator) RoomCollaborators(documentID string) (protocol.Collaborators, bool) {
	list, ok := f.lists[documentID]
	return list, ok
}

func (f *fakeCoordinator) ReleaseEdit(documentID, userID string) bool {
	f.released = append(f.released, documentID+"/"+userID)
	return f.holders[documentID] == userID
}

func (f *fakeCoordinator) QueueLength() int { return 3 }

type fakeVersions struct {
	versions map[string]*models.CodeVersion
	err      error
}

func (f *fakeVersions) LoadLatestVersion(ctx context.Context, documentID string) (*models.CodeVersion, error) {
	return f.versions[documentID], f.err
}

func newTestRouter(coordinator *fakeCoordinator, versions VersionReader) http.Handler {
	return SetupRoutes(NewHandler(coordinator, versions, nil))
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{rooms: make([]collaboration.RoomInfo, 2)}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":2,"persistQueue":3}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListAndGetRooms(t *testing.T) {
	editor := "A"
	coordinator := &fakeCoordinator{
		rooms: []collaboration.RoomInfo{{DocumentID: "doc1", Sessions: 2, CurrentEditor: &editor}},
		lists: map[string]protocol.Collaborators{
			"doc1": {
				Collaborators: []protocol.Collaborator{{UserID: "A", DisplayName: "Alice", IsEditing: true}},
				CurrentEditor: &editor,
			},
		},
	}
	router := newTestRouter(coordinator, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Rooms []collaboration.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Rooms, 1)
	assert.Equal(t, "doc1", listed.Rooms[0].DocumentID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/doc1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"documentId": "doc1",
		"collaborators": [{"userId":"A","displayName":"Alice","isEditing":true,"isOwner":false}],
		"currentEditor": "A"
	}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDocument(t *testing.T) {
	versions := &fakeVersions{versions: map[string]*models.CodeVersion{
		"doc1": {DocumentID: "doc1", Version: 4, Content: "print(4)"},
	}}
	router := newTestRouter(&fakeCoordinator{}, versions)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/doc1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"document_id":"doc1","version":4,"content":"print(4)"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	versions.err = errors.New("database is down")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/doc1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStopEditingBeacon(t *testing.T) {
	coordinator := &fakeCoordinator{holders: map[string]string{"doc1": "A"}}
	router := newTestRouter(coordinator, nil)

	tests := []struct {
		name     string
		body     string
		status   int
		released bool
	}{
		{name: "holder", body: `{"documentId":"doc1","userId":"A"}`, status: http.StatusOK, released: true},
		{name: "legacy codeId", body: `{"codeId":"doc1","userId":"B"}`, status: http.StatusOK},
		{name: "missing user", body: `{"documentId":"doc1"}`, status: http.StatusBadRequest},
		{name: "not json", body: `bye`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/stop-editing", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp struct {
				Success  bool `json:"success"`
				Released bool `json:"released"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, tt.released, resp.Released)
		})
	}

	assert.Equal(t, []string{"doc1/A", "doc1/B"}, coordinator.released)
}

func TestStopEditingPreflight(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/stop-editing", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
