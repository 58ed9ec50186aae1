package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/sessions"
	"github.com/duh17/pideck/pkg/protocol"
)

const sendBufferSize = 256

// subEntry is one (socket, session) subscription. Events arriving
// before the bootstrap finishes are buffered so the client never sees
// a live event ahead of its replay.
type subEntry struct {
	level    string
	unsub    func()
	ready    bool
	buffered []*protocol.Event
	replayed int64 // highest seq delivered during bootstrap
}

// Client is one connected user stream socket. Inbound messages are
// handled strictly in arrival order on the read loop; outbound frames
// are queued non-blocking and written by the write pump.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*subEntry
}

func newClient(id string, conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   id,
		conn: conn,
		srv:  srv,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		subs: make(map[string]*subEntry),
	}
}

// enqueue serializes and queues one outbound frame. A full buffer
// means the client stopped reading; the socket is terminated rather
// than blocking the broadcaster.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("outbound marshal failed", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("send buffer full, dropping client", "client", c.id)
		c.close()
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// startKeepalive pings every interval and terminates the socket when a
// pong misses the next interval. The returned stop function cancels
// it.
func (c *Client) startKeepalive(interval time.Duration) func() {
	c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					c.close()
					return
				}
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// readLoop owns the socket's inbound side. It returns when the socket
// closes; cleanup releases every subscription exactly once.
func (c *Client) readLoop() {
	defer c.cleanup()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) cleanup() {
	c.mu.Lock()
	entries := make([]*subEntry, 0, len(c.subs))
	for _, e := range c.subs {
		entries = append(entries, e)
	}
	c.subs = make(map[string]*subEntry)
	c.mu.Unlock()
	for _, e := range entries {
		e.unsub()
	}
	c.close()
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) handleMessage(data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(protocol.NewError("invalid message", ""))
		return
	}

	switch msg.Type {
	case protocol.MsgSubscribe:
		c.handleSubscribe(msg)
	case protocol.MsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case protocol.MsgPrompt, protocol.MsgSteer, protocol.MsgFollowUp, protocol.MsgStop:
		c.handleSessionCommand(msg)
	case protocol.MsgPermissionResponse:
		c.handlePermissionResponse(msg)
	case protocol.MsgExtensionUIResponse:
		c.handleUIResponse(msg)
	case protocol.MsgRPC:
		c.handleRPC(msg)
	default:
		c.enqueue(protocol.NewError("unknown message type "+msg.Type, msg.SessionID))
	}
}

func (c *Client) handleSubscribe(msg protocol.ClientMessage) {
	res := protocol.NewCommandResult("subscribe", msg.RequestID)
	res.SessionID = msg.SessionID

	if msg.SessionID == "" {
		c.enqueue(res.Fail("sessionId required"))
		return
	}
	level := msg.Level
	if level == "" {
		level = protocol.LevelFull
	}
	if level != protocol.LevelFull && level != protocol.LevelNotifications {
		c.enqueue(res.Fail("level must be full or notifications"))
		return
	}
	var sinceSeq int64
	if msg.SinceSeq != nil {
		f := *msg.SinceSeq
		if f < 0 || f != math.Trunc(f) {
			c.enqueue(res.Fail("sinceSeq must be a non-negative integer"))
			return
		}
		sinceSeq = int64(f)
	}

	// The manager activates sessions lazily on first subscribe, but
	// only for sessions that exist on disk.
	if !c.srv.manager.IsActive(msg.SessionID) {
		ws, ok := c.srv.resolve(msg.SessionID)
		if !ok {
			c.enqueue(res.Fail("session " + msg.SessionID + " not found"))
			return
		}
		if _, err := c.srv.manager.StartSession(context.Background(), msg.SessionID, ws); err != nil {
			c.enqueue(res.Fail("session start failed: " + err.Error()))
			return
		}
	}

	c.mu.Lock()
	// Single current-turn invariant: a new full subscription demotes
	// any other full one this socket holds.
	if level == protocol.LevelFull {
		for sid, e := range c.subs {
			if sid != msg.SessionID && e.level == protocol.LevelFull {
				e.level = protocol.LevelNotifications
			}
		}
	}
	entry, exists := c.subs[msg.SessionID]
	if exists {
		entry.level = level
	} else {
		entry = &subEntry{level: level}
		c.subs[msg.SessionID] = entry
	}
	entry.ready = false
	entry.buffered = nil
	c.mu.Unlock()

	if !exists {
		sessionID := msg.SessionID
		unsub, ok := c.srv.manager.Subscribe(sessionID, func(e *protocol.Event) {
			c.deliver(sessionID, e)
		})
		if !ok {
			c.mu.Lock()
			delete(c.subs, sessionID)
			c.mu.Unlock()
			c.enqueue(res.Fail("session " + sessionID + " not found"))
			return
		}
		c.mu.Lock()
		entry.unsub = unsub
		c.mu.Unlock()
	}

	cu, state, err := c.srv.manager.GetCatchUp(msg.SessionID, sinceSeq)
	if err != nil {
		c.enqueue(res.Fail(err.Error()))
		return
	}

	// Bootstrap order is part of the contract: state, replay, then the
	// command_result.
	c.enqueue(state)
	for _, e := range cu.Events {
		if level == protocol.LevelNotifications && !e.VisibleAtNotifications() {
			continue
		}
		c.enqueue(e)
	}
	res.Data = map[string]any{"catchUpComplete": cu.CatchUpComplete}
	c.enqueue(res)

	// Release anything that arrived during bootstrap, skipping events
	// the replay already covered. The flush happens under the same lock
	// that flips ready, so a live delivery cannot jump ahead of it.
	c.mu.Lock()
	entry.replayed = cu.CurrentSeq
	for _, e := range entry.buffered {
		if e.Seq > 0 && e.Seq <= cu.CurrentSeq {
			continue
		}
		if entry.level == protocol.LevelNotifications && !e.VisibleAtNotifications() {
			continue
		}
		c.enqueue(e)
	}
	entry.buffered = nil
	entry.ready = true
	c.mu.Unlock()
}

// deliver routes one session event to this socket, honoring the
// subscription level and bootstrap buffering.
func (c *Client) deliver(sessionID string, e *protocol.Event) {
	c.mu.Lock()
	entry, ok := c.subs[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !entry.ready {
		entry.buffered = append(entry.buffered, e)
		c.mu.Unlock()
		return
	}
	level := entry.level
	c.mu.Unlock()

	if level == protocol.LevelNotifications && !e.VisibleAtNotifications() {
		return
	}
	c.enqueue(e)
}

func (c *Client) handleUnsubscribe(msg protocol.ClientMessage) {
	res := protocol.NewCommandResult("unsubscribe", msg.RequestID)
	res.SessionID = msg.SessionID

	c.mu.Lock()
	entry, ok := c.subs[msg.SessionID]
	delete(c.subs, msg.SessionID)
	c.mu.Unlock()

	if ok && entry.unsub != nil {
		entry.unsub()
	}
	c.enqueue(res)
}

// levelOn returns this socket's subscription level for a session, or
// "".
func (c *Client) levelOn(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.subs[sessionID]; ok {
		return e.level
	}
	return ""
}

func (c *Client) handleSessionCommand(msg protocol.ClientMessage) {
	if c.levelOn(msg.SessionID) != protocol.LevelFull {
		c.enqueue(protocol.NewError("not subscribed at level=full", msg.SessionID))
		return
	}
	res := protocol.NewCommandResult(msg.Type, msg.RequestID)
	res.SessionID = msg.SessionID

	ctx := context.Background()
	var err error
	switch msg.Type {
	case protocol.MsgPrompt:
		if msg.Message == "" {
			c.enqueue(res.Fail("message required"))
			return
		}
		err = c.srv.manager.SendPrompt(ctx, msg.SessionID, msg.Message, sessions.PromptOptions{
			Images:       msg.Images,
			ClientTurnID: msg.ClientTurnID,
		})
	case protocol.MsgSteer:
		if msg.Message == "" {
			c.enqueue(res.Fail("message required"))
			return
		}
		err = c.srv.manager.SendSteer(ctx, msg.SessionID, msg.Message)
	case protocol.MsgFollowUp:
		if msg.Message == "" {
			c.enqueue(res.Fail("message required"))
			return
		}
		err = c.srv.manager.SendFollowUp(ctx, msg.SessionID, msg.Message)
	case protocol.MsgStop:
		err = c.srv.manager.SendStop(ctx, msg.SessionID)
	}

	switch {
	case err == nil:
		c.enqueue(res)
	case errors.Is(err, sessions.ErrNotBusy), errors.Is(err, sessions.ErrBadStatus):
		c.enqueue(protocol.NewError(err.Error(), msg.SessionID))
	default:
		c.enqueue(res.Fail(err.Error()))
	}
}

func (c *Client) handlePermissionResponse(msg protocol.ClientMessage) {
	res := protocol.NewCommandResult("permission_response", msg.RequestID)
	if msg.ID == "" {
		c.enqueue(res.Fail("id required"))
		return
	}
	action := permissions.Action(msg.Action)
	if action != permissions.ActionAllow && action != permissions.ActionDeny {
		c.enqueue(res.Fail("action must be allow or deny"))
		return
	}
	scope := permissions.ResolveScope(msg.Scope)
	if msg.Scope == "" {
		scope = permissions.ScopeOnce
	}
	switch scope {
	case permissions.ScopeOnce, permissions.ScopeSessionWide, permissions.ScopeWorkspaceAll, permissions.ScopeGlobalAll:
	default:
		c.enqueue(res.Fail("unknown scope " + msg.Scope))
		return
	}

	if !c.srv.gate.ResolveDecision(msg.ID, action, scope, msg.TTLMs) {
		c.enqueue(res.Fail("pending approval " + msg.ID + " not found"))
		return
	}
	c.enqueue(res)
}

func (c *Client) handleUIResponse(msg protocol.ClientMessage) {
	res := protocol.NewCommandResult("extension_ui_response", msg.RequestID)
	res.SessionID = msg.SessionID
	if msg.ID == "" || msg.SessionID == "" {
		c.enqueue(res.Fail("id and sessionId required"))
		return
	}

	var body map[string]any
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			c.enqueue(res.Fail("invalid body"))
			return
		}
	}
	if err := c.srv.manager.RespondToUIRequest(context.Background(), msg.SessionID, msg.ID, body); err != nil {
		c.enqueue(res.Fail(err.Error()))
		return
	}
	c.enqueue(res)
}

// handleRPC forwards an allowlisted backend command. Any live
// subscription level qualifies.
func (c *Client) handleRPC(msg protocol.ClientMessage) {
	if c.levelOn(msg.SessionID) == "" {
		c.enqueue(protocol.NewError("not subscribed", msg.SessionID))
		return
	}
	res := protocol.NewCommandResult(msg.Command, msg.RequestID)
	res.SessionID = msg.SessionID

	out, err := c.srv.manager.ForwardRpcCommand(context.Background(), msg.SessionID, msg.Command, msg.Params)
	switch {
	case err == nil:
		var decoded any
		if len(out) > 0 {
			json.Unmarshal(out, &decoded)
		}
		res.Data = map[string]any{"result": decoded}
		c.enqueue(res)
	case errors.Is(err, sessions.ErrNotAllowed):
		c.enqueue(protocol.NewError(err.Error(), msg.SessionID))
	default:
		c.enqueue(res.Fail(err.Error()))
	}
}
