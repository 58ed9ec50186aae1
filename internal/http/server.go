// Package http is the REST surface: session and workspace CRUD, policy
// rules and audit, pending approvals, pairing. The WebSocket stream has
// its own endpoint wired in cmd.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duh17/pideck/internal/pairing"
	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/sessions"
	"github.com/duh17/pideck/internal/store"
)

// Handler serves the REST API.
type Handler struct {
	store   store.Store
	manager *sessions.Manager
	gate    *permissions.Gate
	rules   *permissions.RuleStore
	audit   *permissions.AuditLog
	pairing *pairing.Manager
}

// Options wire a Handler.
type Options struct {
	Store   store.Store
	Manager *sessions.Manager
	Gate    *permissions.Gate
	Rules   *permissions.RuleStore
	Audit   *permissions.AuditLog
	Pairing *pairing.Manager
}

// NewHandler creates the REST handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		store:   opts.Store,
		manager: opts.Manager,
		gate:    opts.Gate,
		rules:   opts.Rules,
		audit:   opts.Audit,
		pairing: opts.Pairing,
	}
}

// RegisterRoutes registers all REST routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Pairing is the one unauthenticated route; it gates itself.
	mux.HandleFunc("POST /pair", h.handlePair)
	mux.HandleFunc("GET /me", h.authMiddleware(h.handleMe))

	mux.HandleFunc("GET /workspaces", h.authMiddleware(h.handleListWorkspaces))
	mux.HandleFunc("POST /workspaces", h.authMiddleware(h.handleCreateWorkspace))
	mux.HandleFunc("GET /workspaces/{wid}", h.authMiddleware(h.handleGetWorkspace))
	mux.HandleFunc("PUT /workspaces/{wid}", h.authMiddleware(h.handleUpdateWorkspace))
	mux.HandleFunc("DELETE /workspaces/{wid}", h.authMiddleware(h.handleDeleteWorkspace))

	// Workspace-scoped policy is not part of the contract; policy is
	// global plus session-learned only.
	mux.HandleFunc("/workspaces/{wid}/policy", h.authMiddleware(h.handleNotFound))
	mux.HandleFunc("/workspaces/{wid}/policy/{rest...}", h.authMiddleware(h.handleNotFound))

	mux.HandleFunc("GET /workspaces/{wid}/sessions", h.authMiddleware(h.handleListSessions))
	mux.HandleFunc("POST /workspaces/{wid}/sessions", h.authMiddleware(h.handleCreateSession))
	mux.HandleFunc("GET /workspaces/{wid}/sessions/{sid}", h.authMiddleware(h.handleGetSession))
	mux.HandleFunc("POST /workspaces/{wid}/sessions/{sid}/stop", h.authMiddleware(h.handleStopSession))
	mux.HandleFunc("DELETE /workspaces/{wid}/sessions/{sid}", h.authMiddleware(h.handleDeleteSession))

	mux.HandleFunc("GET /permissions/pending", h.authMiddleware(h.handlePendingApprovals))
	mux.HandleFunc("GET /policy/rules", h.authMiddleware(h.handleListRules))
	mux.HandleFunc("PATCH /policy/rules/{id}", h.authMiddleware(h.handlePatchRule))
	mux.HandleFunc("DELETE /policy/rules/{id}", h.authMiddleware(h.handleDeleteRule))
	mux.HandleFunc("GET /policy/audit", h.authMiddleware(h.handleAudit))
}

func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	return strings.TrimPrefix(hdr, "Bearer ")
}

// authMiddleware admits admin and auth device tokens. Push device
// tokens are push-only and get 401 like any other bad token.
func (h *Handler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !h.pairing.AuthorizeAPI(token) {
			if h.pairing.Classify(token) == pairing.ClassPushDevice {
				slog.Warn("security.push_token_rejected", "path", r.URL.Path)
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"class": h.pairing.Classify(bearerToken(r)),
	})
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	source := r.RemoteAddr
	if i := strings.LastIndex(source, ":"); i > 0 {
		source = source[:i]
	}
	d, err := h.pairing.Redeem(req.Token, source, req.Name)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"token": d.Token, "class": d.Class})
	case pairing.ErrMissing:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case pairing.ErrRateLimited:
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": pairing.ErrInvalid.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
