package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/duh17/pideck/internal/store"
)

func (h *Handler) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": h.store.ListWorkspaces()})
}

func (h *Handler) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var ws store.Workspace
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	ws.CreatedAt = time.Now()
	ws.UpdatedAt = ws.CreatedAt
	if err := ws.Normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.store.SaveWorkspace(ws); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workspace": ws})
}

func (h *Handler) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	ws, ok := h.store.GetWorkspace(wid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace " + wid + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace": ws})
}

func (h *Handler) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	existing, ok := h.store.GetWorkspace(wid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace " + wid + " not found"})
		return
	}

	var ws store.Workspace
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	ws.ID = wid
	ws.CreatedAt = existing.CreatedAt
	ws.UpdatedAt = time.Now()
	if err := ws.Normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.store.SaveWorkspace(ws); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace": ws})
}

func (h *Handler) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := r.PathValue("wid")
	if !h.store.DeleteWorkspace(wid) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace " + wid + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
