package api

import (
	"codecollab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Live rooms
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/rooms/{id}", h.GetRoom).Methods("GET")

	// Persisted documents
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")

	// Unload beacon
	api.HandleFunc("/stop-editing", h.StopEditing).Methods("POST", "OPTIONS")

	// WebSocket routes
	r.HandleFunc("/ws", h.HandleWebSocket)
	r.HandleFunc("/ws/document/{id}", h.HandleWebSocket)

	return r
}
