package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleDocumentWebSocket upgrades a connection into a document session.
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}

// HandleSpreadsheetWebSocket upgrades a connection into a spreadsheet session.
func (h *Handler) HandleSpreadsheetWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSpreadsheetConnection(w, r)
}
