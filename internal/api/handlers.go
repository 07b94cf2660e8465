package api

import (
	"encoding/json"
	"log"
	"net/http"

	"codecollab/internal/middleware"
	"codecollab/internal/protocol"
	"codecollab/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

// Handler handles HTTP requests
type Handler struct {
	coordinator Coordinator
	versions    VersionReader // nil when running without a store
	wsHandler   *collaboration.WebSocketHandler
}

func NewHandler(coordinator Coordinator, versions VersionReader, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		coordinator: coordinator,
		versions:    versions,
		wsHandler:   wsHandler,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"rooms":        len(h.coordinator.Rooms()),
		"persistQueue": h.coordinator.QueueLength(),
	})
}

// Room handlers

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": h.coordinator.Rooms(),
	})
}

type roomResponse struct {
	DocumentID string `json:"documentId"`
	protocol.Collaborators
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	list, ok := h.coordinator.RoomCollaborators(id)
	if !ok {
		http.Error(w, "no active room for document "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{DocumentID: id, Collaborators: list})
}

// Document handlers

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.versions == nil {
		http.Error(w, "no store configured", http.StatusNotFound)
		return
	}

	version, err := h.versions.LoadLatestVersion(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if version == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// stopEditingRequest accepts the browser beacon payload. Older clients send codeId.
type stopEditingRequest struct {
	DocumentID string `json:"documentId"`
	CodeID     string `json:"codeId"`
	UserID     string `json:"userId"`
}

// StopEditing is the fire-and-forget release a closing editor sends when its
// socket may already be gone.
func (h *Handler) StopEditing(w http.ResponseWriter, r *http.Request) {
	var req stopEditingRequest
	// Beacons usually arrive as text/plain, so the content type is not checked.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		req.DocumentID = req.CodeID
	}
	if req.DocumentID == "" || req.UserID == "" {
		http.Error(w, "missing documentId or userId", http.StatusBadRequest)
		return
	}

	released := h.coordinator.ReleaseEdit(req.DocumentID, req.UserID)
	middleware.AddSpanEvent(r.Context(), "stop_editing",
		attribute.String("document.id", req.DocumentID),
		attribute.String("user.id", req.UserID),
		attribute.Bool("released", released),
	)
	log.Printf("  Stop-editing beacon for %s on document %s (released: %t)", req.UserID, req.DocumentID, released)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"released": released,
	})
}

// WebSocket endpoints

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
