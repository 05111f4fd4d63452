// Package api is the pull-mode HTTP surface of spec.md §6.2, grounded on
// the teacher's api/room_handlers.go (manual http.ServeMux path parsing,
// json.NewDecoder/Encoder, explicit status codes) generalized from room
// CRUD to the collaboration engine's join/leave/submit/sync verbs.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collabtext/collab"
	"collabtext/presence"
)

// Handlers holds what the HTTP layer needs: the same two dependencies the
// WebSocket transport uses, since both are just different framings over
// the same collab.Hub operations.
type Handlers struct {
	registry *collab.HubRegistry
	sessions *presence.Manager
}

// NewHandlers constructs the pull-mode API handlers.
func NewHandlers(registry *collab.HubRegistry, sessions *presence.Manager) *Handlers {
	return &Handlers{registry: registry, sessions: sessions}
}

type joinRequest struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

type joinResponse struct {
	SessionID       string            `json:"session_id"`
	CurrentVersion  int64             `json:"current_version"`
	Snapshot        string            `json:"snapshot"`
	ActivePresences []collab.Presence `json:"active_presences"`
	Color           string            `json:"color"`
}

// Join handles POST /api/documents/join (spec.md §6.2 join).
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" || req.UserID == "" {
		http.Error(w, "document_id and user_id are required", http.StatusBadRequest)
		return
	}

	hub, err := h.registry.GetOrCreate(r.Context(), req.DocumentID)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID, err := presence.GenerateSessionID()
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	color := presence.ColorForUser(req.UserID)
	if _, err := h.sessions.Create(r.Context(), sessionID, req.UserID, req.DocumentID); err != nil {
		log.Printf("❌ failed to cache session %s: %v", sessionID, err)
	}

	result, err := hub.Join(r.Context(), sessionID, req.UserID, color)
	if err != nil {
		writeError(w, err)
		return
	}
	// Pull-mode clients don't keep the outbound channel open; draining it
	// here would drop their own broadcasts, so a pull-mode session relies
	// entirely on periodic Sync rather than push delivery (spec.md §6.2).

	writeJSON(w, http.StatusOK, joinResponse{
		SessionID:       sessionID,
		CurrentVersion:  result.CurrentVersion,
		Snapshot:        result.SnapshotText,
		ActivePresences: result.ActivePresences,
		Color:           color,
	})
}

type leaveRequest struct {
	DocumentID string `json:"document_id"`
	SessionID  string `json:"session_id"`
}

// Leave handles POST /api/documents/leave (spec.md §6.2 leave).
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if hub, ok := h.registry.Peek(req.DocumentID); ok {
		hub.Leave(req.SessionID)
	}
	h.sessions.Remove(r.Context(), req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

type submitOpRequest struct {
	DocumentID  string           `json:"document_id"`
	BaseVersion int64            `json:"base_version"`
	Operation   collab.Operation `json:"operation"`
}

// SubmitOp handles POST /api/documents/submit_op (spec.md §6.2 submit_op).
func (h *Handlers) SubmitOp(w http.ResponseWriter, r *http.Request) {
	var req submitOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hub, ok := h.registry.Peek(req.DocumentID)
	if !ok {
		writeError(w, collab.ErrUnknownDocument)
		return
	}

	accepted, err := hub.Submit(r.Context(), req.Operation, req.BaseVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

type submitBatchRequest struct {
	DocumentID  string             `json:"document_id"`
	BaseVersion int64              `json:"base_version"`
	Operations  []collab.BatchItem `json:"operations"`
}

// SubmitBatch handles POST /api/documents/submit_batch (spec.md §6.2
// submit_batch).
func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hub, ok := h.registry.Peek(req.DocumentID)
	if !ok {
		writeError(w, collab.ErrUnknownDocument)
		return
	}

	result, err := hub.SubmitBatch(r.Context(), req.Operations, req.BaseVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Sync handles GET /api/documents/sync?document_id=...&known_version=...
// (spec.md §6.2 sync, §8 S6).
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		http.Error(w, "document_id is required", http.StatusBadRequest)
		return
	}
	knownVersion, _ := strconv.ParseInt(r.URL.Query().Get("known_version"), 10, 64)

	hub, ok := h.registry.Peek(documentID)
	if !ok {
		writeError(w, collab.ErrUnknownDocument)
		return
	}

	result, err := hub.Sync(r.Context(), knownVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type updateCursorRequest struct {
	DocumentID     string `json:"document_id"`
	SessionID      string `json:"session_id"`
	CursorPosition int    `json:"cursor_position"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
}

// UpdateCursor handles POST /api/documents/update_cursor (spec.md §6.2
// update_cursor).
func (h *Handlers) UpdateCursor(w http.ResponseWriter, r *http.Request) {
	var req updateCursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hub, ok := h.registry.Peek(req.DocumentID)
	if !ok {
		writeError(w, collab.ErrUnknownDocument)
		return
	}
	hub.UpdatePresence(req.SessionID, req.CursorPosition, req.SelectionStart, req.SelectionEnd)
	h.sessions.Touch(r.Context(), req.SessionID, req.CursorPosition, req.SelectionStart, req.SelectionEnd)
	w.WriteHeader(http.StatusNoContent)
}

// GetActiveUsers handles GET /api/documents/active_users?document_id=...
// (spec.md §6.2 get_active_users).
func (h *Handlers) GetActiveUsers(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document_id")
	hub, ok := h.registry.Peek(documentID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active_users": []collab.Presence{}})
		return
	}
	// known_version 0 requests the full operation log back too, but callers
	// of this endpoint only want the active_presences half of the result.
	result, err := hub.Sync(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active_users": result.ActivePresences})
}

// GetStats handles GET /api/documents/stats?document_id=... (spec.md §6.2
// get_stats), grounded on services/room_service.go's GetGlobalStats and
// recovery.go's GetRecoveryStats shapes.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"documents_served": h.registry.Count(),
			"tracked_sessions": h.sessions.Count(),
			"timestamp":        time.Now().Format(time.RFC3339),
		})
		return
	}

	hub, ok := h.registry.Peek(documentID)
	if !ok {
		writeError(w, collab.ErrUnknownDocument)
		return
	}
	writeJSON(w, http.StatusOK, hub.Stats())
}

// GetGlobalStats handles GET /api/stats, aggregating across every
// document this process currently serves (spec.md §6.2 get_stats,
// process-wide variant), the multi-document analogue of the teacher's
// RoomService.GetGlobalStats.
func (h *Handlers) GetGlobalStats(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.DocumentIDs()
	perDocument := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		if hub, ok := h.registry.Peek(id); ok {
			perDocument[id] = hub.Stats()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_documents": len(ids),
		"tracked_sessions": h.sessions.Count(),
		"documents":        perDocument,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("❌ failed to encode response: %v", err)
	}
}

// writeError maps the spec.md §7 error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrUnknownDocument):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrInvalidPosition), errors.Is(err, collab.ErrInvalidType):
		status = http.StatusBadRequest
	case errors.Is(err, collab.ErrStaleBase):
		status = http.StatusConflict
	case errors.Is(err, collab.ErrOverloaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, collab.ErrSessionClosed):
		status = http.StatusGone
	}
	http.Error(w, strings.TrimSpace(err.Error()), status)
}
