package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/benbazus/qub-drive-sub000/internal/collab"
	"github.com/benbazus/qub-drive-sub000/internal/models"

	"github.com/gorilla/mux"
)

// Handler serves the REST surface next to the WebSocket endpoints: session
// inspection, pending conflicts, manual conflict resolution and change
// history.
type Handler struct {
	sessions  SessionSource
	conflicts ConflictLister
	history   HistoryLister
	wsHandler *collab.WebSocketHandler
}

func NewHandler(
	sessions SessionSource,
	conflicts ConflictLister,
	history HistoryLister,
	wsHandler *collab.WebSocketHandler,
) *Handler {
	return &Handler{
		sessions:  sessions,
		conflicts: conflicts,
		history:   history,
		wsHandler: wsHandler,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// GetSession returns the live view of one session: members, locks, edit
// indicators and the current version.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s := h.sessions.Get(id)
	if s == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	info, err := s.Info()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListSessions reports how many sessions are live.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": h.sessions.Count(),
	})
}

// GetConflicts lists the unresolved conflicts for a resource. A live session
// answers from memory; otherwise the persisted pending set is served.
func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var (
		conflicts []*models.Conflict
		err       error
	)
	if s := h.sessions.Get(id); s != nil {
		conflicts, err = s.PendingConflicts()
	} else if h.conflicts != nil {
		conflicts, err = h.conflicts.ListPending(r.Context(), id)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []*models.Conflict{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": id,
		"conflicts":   conflicts,
		"count":       len(conflicts),
	})
}

// ResolveConflict applies a manual resolution: the chosen operation wins and
// the conflict is closed and broadcast to the session.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	conflictID := vars["conflictId"]

	var req struct {
		KeepOperationID string `json:"keepOperationId"`
		ResolvedBy      string `json:"resolvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		http.Error(w, "resolvedBy is required", http.StatusBadRequest)
		return
	}

	s := h.sessions.Get(id)
	if s == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if err := s.ResolveConflict(conflictID, req.KeepOperationID, req.ResolvedBy); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conflict_id": conflictID,
		"resolved_by": req.ResolvedBy,
	})
}

// GetHistory pages through the change history, newest first. The live ring
// answers the first page; deeper pages come from the durable store.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var (
		entries []*models.ChangeEntry
		err     error
	)
	if s := h.sessions.Get(id); s != nil && offset == 0 {
		entries, err = s.History()
		if err == nil {
			// Ring is oldest first; the API serves newest first.
			for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
				entries[i], entries[j] = entries[j], entries[i]
			}
			if len(entries) > limit {
				entries = entries[:limit]
			}
		}
	} else if h.history != nil {
		entries, err = h.history.ListEntries(r.Context(), id, limit, offset)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.ChangeEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": id,
		"entries":     entries,
		"limit":       limit,
		"offset":      offset,
	})
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}
