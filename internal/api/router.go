package api

import (
	"github.com/benbazus/qub-drive-sub000/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/conflicts", h.GetConflicts).Methods("GET")
	api.HandleFunc("/sessions/{id}/conflicts/{conflictId}/resolve", h.ResolveConflict).Methods("POST")
	api.HandleFunc("/sessions/{id}/history", h.GetHistory).Methods("GET")

	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentWebSocket)
	r.HandleFunc("/ws/spreadsheet/{id}", h.HandleSpreadsheetWebSocket)

	return r
}
