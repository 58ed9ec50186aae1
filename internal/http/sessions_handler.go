package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/duh17/pideck/internal/sessions"
)

// loadSession reads a session record, overlaying the live snapshot when
// the session is active.
func (h *Handler) loadSession(workspaceID, sessionID string) (sessions.Session, bool) {
	if s, ok := h.manager.GetActiveSession(sessionID); ok {
		return s, true
	}
	var s sessions.Session
	if err := h.store.LoadSession(workspaceID, sessionID, &s); err != nil {
		return sessions.Session{}, false
	}
	return s, true
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if _, ok := h.store.GetWorkspace(wid); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace " + wid + " not found"})
		return
	}
	out := make([]sessions.Session, 0)
	for _, sid := range h.store.ListSessions(wid) {
		if s, ok := h.loadSession(wid, sid); ok {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if _, ok := h.store.GetWorkspace(wid); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace " + wid + " not found"})
		return
	}
	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	s := sessions.Session{
		ID:           uuid.NewString(),
		WorkspaceID:  wid,
		Status:       sessions.StatusInitializing,
		Name:         req.Name,
		Model:        req.Model,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := h.store.SaveSession(wid, s.ID, &s); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": s})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	wid, sid := r.PathValue("wid"), r.PathValue("sid")
	s, ok := h.loadSession(wid, sid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session " + sid + " not found"})
		return
	}
	if r.URL.Query().Get("view") == "full" {
		writeJSON(w, http.StatusOK, map[string]any{
			"session": s,
			"trace":   h.readTrace(wid, sid),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}

// readTrace loads the backend's trace file from the session sandbox.
// Missing or malformed files yield an empty trace, not an error.
func (h *Handler) readTrace(workspaceID, sessionID string) []json.RawMessage {
	trace := make([]json.RawMessage, 0)
	path := filepath.Join(h.store.SessionDir(workspaceID, sessionID), "trace.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return trace
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !json.Valid(line) {
			continue
		}
		trace = append(trace, json.RawMessage(append([]byte(nil), line...)))
	}
	return trace
}

// handleStopSession always reports the session stopped, whether or not
// it was active.
func (h *Handler) handleStopSession(w http.ResponseWriter, r *http.Request) {
	wid, sid := r.PathValue("wid"), r.PathValue("sid")
	s, ok := h.loadSession(wid, sid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session " + sid + " not found"})
		return
	}

	if h.manager.IsActive(sid) {
		h.manager.StopSession(r.Context(), sid)
		if stopped, ok := h.loadSession(wid, sid); ok {
			s = stopped
		}
	}
	s.Status = sessions.StatusStopped
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}

// handleDeleteSession acknowledges immediately; stopping the backend
// and removing files continues in the background.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	wid, sid := r.PathValue("wid"), r.PathValue("sid")
	if _, ok := h.loadSession(wid, sid); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session " + sid + " not found"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if h.manager.IsActive(sid) {
			h.manager.StopSession(ctx, sid)
		}
		if err := h.store.DeleteSession(wid, sid); err != nil {
			slog.Warn("session cleanup failed", "session", sid, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
