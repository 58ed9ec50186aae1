package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/duh17/pideck/internal/agent"
	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/store"
	"github.com/duh17/pideck/pkg/protocol"
)

// Sentinel errors the HTTP and gateway layers map to status codes.
var (
	ErrNotFound   = errors.New("session not found")
	ErrNotAllowed = errors.New("not allowed")
	ErrNotBusy    = errors.New("session is not busy")
	ErrBadStatus  = errors.New("session cannot accept prompts")
)

// rpcAllowlist is the fixed set of backend commands clients may invoke
// through the passthrough.
var rpcAllowlist = map[string]bool{
	"get_state":          true,
	"set_model":          true,
	"set_thinking_level": true,
	"compact":            true,
}

// Manager owns every active session: backend handle, ring, translator
// and subscriber registry. Session records are mutated only on the
// per-session event loop or under the manager lock.
type Manager struct {
	mu     sync.Mutex
	active map[string]*activeSession

	store    store.Store
	gate     *permissions.Gate
	launcher agent.Launcher

	fallback permissions.Action
	ringCap  int
	tracer   trace.Tracer
}

type activeSession struct {
	mu   sync.Mutex
	sess *Session
	tr   *translator
	ring *EventRing

	// deliverMu serializes broadcast: seq assignment and fan-out happen
	// as one step, so subscribers agree on durable event order.
	deliverMu sync.Mutex

	handle  agent.Handle
	cancel  context.CancelFunc
	done    chan struct{}
	endOnce sync.Once

	subs    map[int64]func(*protocol.Event)
	nextSub int64

	turnsInFlight map[string]bool
	pendingUI     map[string]agent.UIRequest

	turnSpan trace.Span
}

// Options configure a Manager.
type Options struct {
	Store    store.Store
	Gate     *permissions.Gate
	Launcher agent.Launcher
	Fallback permissions.Action
	RingCap  int
	Tracer   trace.Tracer
}

// NewManager wires a session manager and registers the gate callbacks
// that surface approvals as session events.
func NewManager(opts Options) *Manager {
	if opts.Fallback == "" {
		opts.Fallback = permissions.ActionAsk
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("pideck")
	}
	m := &Manager{
		active:   make(map[string]*activeSession),
		store:    opts.Store,
		gate:     opts.Gate,
		launcher: opts.Launcher,
		fallback: opts.Fallback,
		ringCap:  opts.RingCap,
		tracer:   opts.Tracer,
	}
	if m.gate != nil {
		m.gate.OnApprovalNeeded(m.onApprovalNeeded)
		m.gate.OnResolved(m.onApprovalResolved)
	}
	return m
}

func (m *Manager) onApprovalNeeded(p permissions.Pending) {
	as := m.lookup(p.SessionID)
	if as == nil {
		return
	}
	payload := map[string]any{
		"id":                p.ID,
		"tool":              p.Tool,
		"displaySummary":    p.DisplaySummary,
		"risk":              p.Risk,
		"resolutionOptions": p.Options,
	}
	if p.Command != "" {
		payload["command"] = p.Command
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}
	if p.TimeoutAt != nil {
		payload["timeoutAt"] = p.TimeoutAt
	}
	as.broadcast(protocol.NewEvent(protocol.EventPermissionRequest, p.SessionID, payload))
}

func (m *Manager) onApprovalResolved(p permissions.Pending, action permissions.Action, by string) {
	as := m.lookup(p.SessionID)
	if as == nil {
		return
	}
	as.broadcast(protocol.NewEvent(protocol.EventPermissionResolved, p.SessionID, map[string]any{
		"id":         p.ID,
		"action":     string(action),
		"resolvedBy": by,
	}))
}

func (m *Manager) lookup(id string) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// StartSession activates a session: load or create its record, guard
// it, launch the backend and start the event loop. Starting an already
// active session returns its current record.
func (m *Manager) StartSession(ctx context.Context, sessionID string, ws store.Workspace) (Session, error) {
	m.mu.Lock()
	if as, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return as.snapshot(), nil
	}
	m.mu.Unlock()

	sess := &Session{}
	if err := m.store.LoadSession(ws.ID, sessionID, sess); err != nil {
		sess = &Session{
			ID:          sessionID,
			WorkspaceID: ws.ID,
			Status:      StatusInitializing,
			CreatedAt:   time.Now(),
		}
	}
	sess.Status = StatusInitializing
	sess.LastActivity = time.Now()

	engine := permissions.NewEngine(m.fallback)
	m.gate.CreateGuard(sessionID, ws.ID, engine)

	loopCtx, cancel := context.WithCancel(context.Background())
	handle, err := m.launcher.Launch(loopCtx, agent.LaunchOptions{
		SessionID:    sessionID,
		WorkspaceID:  ws.ID,
		SandboxDir:   m.store.SessionDir(ws.ID, sessionID),
		Model:        ws.DefaultModel,
		SystemPrompt: ws.SystemPrompt,
		Skills:       ws.Skills,
		Extensions:   ws.Extensions,
		CheckPermission: func(ctx context.Context, tool string, input map[string]any, toolCallID string) string {
			d, err := m.gate.CheckToolCall(ctx, sessionID, permissions.GateRequest{Tool: tool, Input: input, ToolCallID: toolCallID})
			if err != nil || d.Action != permissions.ActionAllow {
				return "deny"
			}
			return "allow"
		},
	})
	if err != nil {
		cancel()
		m.gate.DestroySessionGuard(sessionID)
		return Session{}, fmt.Errorf("launch backend: %w", err)
	}

	as := &activeSession{
		sess:          sess,
		tr:            newTranslator(sess),
		ring:          NewEventRing(m.ringCap),
		handle:        handle,
		cancel:        cancel,
		done:          make(chan struct{}),
		subs:          make(map[int64]func(*protocol.Event)),
		turnsInFlight: make(map[string]bool),
		pendingUI:     make(map[string]agent.UIRequest),
	}

	m.mu.Lock()
	m.active[sessionID] = as
	m.mu.Unlock()

	sess.Status = StatusReady
	m.persist(as)
	go m.eventLoop(as)

	slog.Info("session started", "session", sessionID, "workspace", ws.ID)
	return as.snapshot(), nil
}

// eventLoop consumes the backend stream until it closes, translating
// and broadcasting. It is the single writer of the session record.
func (m *Manager) eventLoop(as *activeSession) {
	reason := "backend exited"
	for ev := range as.handle.Events() {
		switch ev.Type {
		case agent.EvExit:
			if ev.Error != "" {
				reason = "backend error: " + ev.Error
			}
		case agent.EvExtensionUIRequest:
			m.handleUIRequest(as, ev)
		case agent.EvAgentEnd:
			as.mu.Lock()
			as.turnsInFlight = make(map[string]bool)
			if as.turnSpan != nil {
				as.turnSpan.End()
				as.turnSpan = nil
			}
			outs := as.tr.translate(ev)
			as.mu.Unlock()
			for _, out := range outs {
				as.broadcast(out)
			}
			m.persist(as)
		default:
			as.mu.Lock()
			outs := as.tr.translate(ev)
			as.mu.Unlock()
			for _, out := range outs {
				as.broadcast(out)
			}
		}
	}
	m.endSession(as, reason)
}

func (m *Manager) handleUIRequest(as *activeSession, ev agent.Event) {
	if ev.UI == nil {
		return
	}
	req := *ev.UI
	payload := map[string]any{
		"id":     req.ID,
		"method": req.Method,
	}
	if req.Title != "" {
		payload["title"] = req.Title
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}
	if req.Placeholder != "" {
		payload["placeholder"] = req.Placeholder
	}

	switch req.Method {
	case "confirm", "select", "input":
		as.mu.Lock()
		as.pendingUI[req.ID] = req
		as.mu.Unlock()
		as.broadcast(protocol.NewEvent(protocol.EventExtensionUIRequest, as.sess.ID, payload))
	case "notify":
		as.broadcast(protocol.NewEvent(protocol.EventExtensionUINotification, as.sess.ID, payload))
	default:
		slog.Debug("unknown ui method dropped", "session", as.sess.ID, "method", req.Method)
	}
}

// endSession runs the teardown sequence exactly once per session:
// announce the end, cancel outstanding approvals while subscribers can
// still see the resolutions, persist, then retire the session. The
// session stays in the active map until the guard is destroyed so the
// gate callbacks can broadcast the cancellations.
func (m *Manager) endSession(as *activeSession, reason string) {
	as.endOnce.Do(func() {
		as.broadcast(protocol.NewEvent(protocol.EventSessionEnded, as.sess.ID, map[string]any{"reason": reason}))

		as.mu.Lock()
		for id := range as.pendingUI {
			delete(as.pendingUI, id)
		}
		if as.turnSpan != nil {
			as.turnSpan.End()
			as.turnSpan = nil
		}
		as.mu.Unlock()

		m.gate.DestroySessionGuard(as.sess.ID)

		as.mu.Lock()
		as.sess.Status = StatusStopped
		as.sess.LastActivity = time.Now()
		as.mu.Unlock()
		m.persist(as)

		m.mu.Lock()
		delete(m.active, as.sess.ID)
		m.mu.Unlock()

		as.cancel()
		close(as.done)
		slog.Info("session ended", "session", as.sess.ID, "reason", reason)
	})
}

func (m *Manager) persist(as *activeSession) {
	snap := as.snapshot()
	if err := m.store.SaveSession(snap.WorkspaceID, snap.ID, snap); err != nil {
		slog.Warn("session persist failed", "session", snap.ID, "error", err)
	}
}

// IsActive reports whether a session is live.
func (m *Manager) IsActive(id string) bool { return m.lookup(id) != nil }

// GetActiveSession returns a copy of an active session's record.
func (m *Manager) GetActiveSession(id string) (Session, bool) {
	as := m.lookup(id)
	if as == nil {
		return Session{}, false
	}
	return as.snapshot(), true
}

// GetCurrentSeq returns the session's last durable sequence number.
func (m *Manager) GetCurrentSeq(id string) (int64, bool) {
	as := m.lookup(id)
	if as == nil {
		return 0, false
	}
	return as.ring.CurrentSeq(), true
}

// Subscribe registers a callback for a session's events. The callback
// is invoked serially. The returned function unsubscribes and is safe
// to call more than once. ok is false when the session is not active.
func (m *Manager) Subscribe(id string, cb func(*protocol.Event)) (unsubscribe func(), ok bool) {
	as := m.lookup(id)
	if as == nil {
		return func() {}, false
	}
	as.mu.Lock()
	as.nextSub++
	subID := as.nextSub
	as.subs[subID] = cb
	as.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			as.mu.Lock()
			delete(as.subs, subID)
			as.mu.Unlock()
		})
	}, true
}

// GetCatchUp returns the replay window plus a fresh state event for
// bootstrap.
func (m *Manager) GetCatchUp(id string, sinceSeq int64) (CatchUp, *protocol.Event, error) {
	as := m.lookup(id)
	if as == nil {
		return CatchUp{}, nil, ErrNotFound
	}
	cu := as.ring.Replay(sinceSeq)
	as.mu.Lock()
	state := protocol.NewEvent(protocol.EventState, id, as.sess.statePayload(as.tr.runtimeThinking))
	state.Seq = cu.CurrentSeq
	as.mu.Unlock()
	return cu, state, nil
}

// PromptOptions carry the optional parts of a prompt.
type PromptOptions struct {
	Images       []string
	ClientTurnID string
}

// SendPrompt submits a user turn. Duplicate clientTurnIds while a turn
// is in flight are acknowledged but not re-submitted; the turn_ack
// always precedes any agent_start the prompt causes.
func (m *Manager) SendPrompt(ctx context.Context, id, message string, opts PromptOptions) error {
	as := m.lookup(id)
	if as == nil {
		return ErrNotFound
	}

	as.mu.Lock()
	status := as.sess.Status
	if status != StatusReady && status != StatusBusy {
		as.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrBadStatus, status)
	}

	if opts.ClientTurnID != "" {
		if as.turnsInFlight[opts.ClientTurnID] {
			as.mu.Unlock()
			as.broadcast(protocol.NewEvent(protocol.EventTurnAck, id, map[string]any{
				"requestId": opts.ClientTurnID,
				"duplicate": true,
			}))
			return nil
		}
		as.turnsInFlight[opts.ClientTurnID] = true
	}
	if as.turnSpan == nil {
		_, as.turnSpan = m.tracer.Start(ctx, "session.prompt",
			trace.WithAttributes(attribute.String("session.id", id)))
	}
	as.mu.Unlock()

	if opts.ClientTurnID != "" {
		as.broadcast(protocol.NewEvent(protocol.EventTurnAck, id, map[string]any{
			"requestId": opts.ClientTurnID,
			"duplicate": false,
		}))
	}
	if err := as.handle.Prompt(ctx, message, opts.Images); err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	return nil
}

// SendSteer injects steering text into the running turn.
func (m *Manager) SendSteer(ctx context.Context, id, text string) error {
	as := m.lookup(id)
	if as == nil {
		return ErrNotFound
	}
	if as.status() != StatusBusy {
		return fmt.Errorf("%w: steer requires a running turn", ErrNotBusy)
	}
	return as.handle.Steer(ctx, text)
}

// SendFollowUp queues a follow-up for after the current turn.
func (m *Manager) SendFollowUp(ctx context.Context, id, text string) error {
	as := m.lookup(id)
	if as == nil {
		return ErrNotFound
	}
	if as.status() != StatusBusy {
		return fmt.Errorf("%w: follow-up requires a running turn", ErrNotBusy)
	}
	return as.handle.FollowUp(ctx, text)
}

// SendStop requests best-effort cancellation of the current turn.
func (m *Manager) SendStop(ctx context.Context, id string) error {
	as := m.lookup(id)
	if as == nil {
		return ErrNotFound
	}
	return as.handle.Stop(ctx)
}

// ForwardRpcCommand passes an allowlisted command to the backend.
func (m *Manager) ForwardRpcCommand(ctx context.Context, id, command string, params map[string]any) (json.RawMessage, error) {
	if !rpcAllowlist[command] {
		return nil, fmt.Errorf("%w: command %q", ErrNotAllowed, command)
	}
	as := m.lookup(id)
	if as == nil {
		return nil, ErrNotFound
	}

	res, err := as.handle.Call(ctx, command, params)
	if err != nil {
		return nil, err
	}

	// set_thinking_level is the user stating a preference; remember it.
	if command == "set_thinking_level" {
		if level, ok := params["level"].(string); ok && level != "" {
			as.mu.Lock()
			as.sess.ThinkingLevel = level
			as.mu.Unlock()
			m.persist(as)
		}
	}
	return res, nil
}

// HasPendingUIRequest reports whether a dialog request awaits a reply.
func (m *Manager) HasPendingUIRequest(id, requestID string) bool {
	as := m.lookup(id)
	if as == nil {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	_, ok := as.pendingUI[requestID]
	return ok
}

// RespondToUIRequest answers a pending extension dialog.
func (m *Manager) RespondToUIRequest(ctx context.Context, id, requestID string, response map[string]any) error {
	as := m.lookup(id)
	if as == nil {
		return ErrNotFound
	}
	as.mu.Lock()
	_, ok := as.pendingUI[requestID]
	delete(as.pendingUI, requestID)
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("ui request %s not found", requestID)
	}
	return as.handle.RespondUI(ctx, requestID, response)
}

// StopSession stops a session's backend and waits briefly for the
// teardown to complete. Stopping an inactive session is a no-op.
func (m *Manager) StopSession(ctx context.Context, id string) {
	as := m.lookup(id)
	if as == nil {
		return
	}
	as.handle.Close()
	select {
	case <-as.done:
	case <-time.After(8 * time.Second):
		slog.Warn("session stop timed out", "session", id)
	case <-ctx.Done():
	}
}

// Shutdown stops every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopSession(ctx, id)
	}
}

func (as *activeSession) status() Status {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.sess.Status
}

func (as *activeSession) snapshot() Session {
	as.mu.Lock()
	defer as.mu.Unlock()
	cp := *as.sess
	if as.sess.ChangeStats != nil {
		cs := *as.sess.ChangeStats
		cs.ChangedFiles = append([]string(nil), as.sess.ChangeStats.ChangedFiles...)
		cp.ChangeStats = &cs
	}
	cp.PiSessionFiles = append([]string(nil), as.sess.PiSessionFiles...)
	return cp
}

// broadcast numbers the event (durable only) and dispatches it to
// every subscriber. deliverMu is held across both steps: broadcasters
// race in from the event loop, the gate callbacks and SendPrompt, and
// without it a later seq could reach a subscriber first. A panicking
// callback is dropped, not propagated.
func (as *activeSession) broadcast(e *protocol.Event) {
	as.deliverMu.Lock()
	defer as.deliverMu.Unlock()

	as.ring.Append(e)

	as.mu.Lock()
	cbs := make([]func(*protocol.Event), 0, len(as.subs))
	for _, cb := range as.subs {
		cbs = append(cbs, cb)
	}
	as.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("subscriber callback panic", "session", as.sess.ID, "panic", r)
				}
			}()
			cb(e)
		}()
	}
}
