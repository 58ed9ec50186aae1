package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/duh17/pideck/internal/permissions"
)

func (h *Handler) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": h.gate.ListPending()})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": h.rules.GetAll()})
}

func (h *Handler) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch permissions.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if patch.Decision != nil {
		switch *patch.Decision {
		case permissions.ActionAllow, permissions.ActionAsk, permissions.ActionDeny:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be allow, ask or deny"})
			return
		}
	}

	rule, err := h.rules.Update(id, patch)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
	case errors.Is(err, permissions.ErrRuleNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule " + id + " not found"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.rules.Remove(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	case errors.Is(err, permissions.ErrRuleNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule " + id + " not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := permissions.AuditQuery{
		SessionID: r.URL.Query().Get("sessionId"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("sinceTs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sinceTs must be unix milliseconds"})
			return
		}
		q.SinceTs = time.UnixMilli(ms)
	}

	entries := h.audit.Query(q)
	if entries == nil {
		entries = []permissions.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
