// Package gateway is the user stream multiplexer: one WebSocket per
// authenticated client, per-socket subscription tables, and fan-out
// from the session manager's event streams.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/sessions"
	"github.com/duh17/pideck/internal/store"
	"github.com/duh17/pideck/pkg/protocol"
)

// DefaultKeepalive is the ping interval when none is configured.
const DefaultKeepalive = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server accepts user stream sockets and tracks connected clients.
type Server struct {
	manager   *sessions.Manager
	gate      *permissions.Gate
	resolve   func(sessionID string) (store.Workspace, bool)
	authorize func(r *http.Request) bool
	keepalive time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// Options wire a gateway server.
type Options struct {
	Manager *sessions.Manager
	Gate    *permissions.Gate
	// ResolveSession maps a session id to its workspace; subscribing
	// to a session with no record fails.
	ResolveSession func(sessionID string) (store.Workspace, bool)
	// Authorize accepts or rejects the HTTP upgrade request.
	Authorize func(r *http.Request) bool
	Keepalive time.Duration
}

// NewServer creates a gateway server.
func NewServer(opts Options) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.Authorize == nil {
		opts.Authorize = func(*http.Request) bool { return false }
	}
	if opts.ResolveSession == nil {
		opts.ResolveSession = func(string) (store.Workspace, bool) { return store.Workspace{}, false }
	}
	return &Server{
		manager:   opts.Manager,
		gate:      opts.Gate,
		resolve:   opts.ResolveSession,
		authorize: opts.Authorize,
		keepalive: opts.Keepalive,
		clients:   make(map[string]*Client),
	}
}

// HandleWS upgrades one user stream socket. Auth happens before the
// upgrade; a bad token is a plain 401, not a WebSocket close.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s)
	s.track(c)
	defer s.untrack(c)

	go c.writePump()
	stopKeepalive := c.startKeepalive(s.keepalive)
	defer stopKeepalive()

	c.enqueue(map[string]any{"type": protocol.EventStreamConnected})
	c.enqueue(map[string]any{"type": protocol.EventConnected, "clientId": c.id})

	slog.Info("stream client connected", "client", c.id, "remote", r.RemoteAddr)
	c.readLoop()
	slog.Info("stream client disconnected", "client", c.id)
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// ClientCount reports connected sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll terminates every connected socket, for shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// BearerAuthorizer builds an Authorize func accepting any of the given
// token checks. A token may arrive as a header or a query parameter
// (native WebSocket clients cannot always set headers).
func BearerAuthorizer(valid func(token string) bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		return token != "" && valid(token)
	}
}
