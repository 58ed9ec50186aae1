package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResolveScope says how broadly an approval should apply.
type ResolveScope string

const (
	ScopeOnce         ResolveScope = "once"
	ScopeSessionWide  ResolveScope = "session"
	ScopeWorkspaceAll ResolveScope = "workspace"
	ScopeGlobalAll    ResolveScope = "global"
)

// ResolutionOptions tells the client which learning scopes the gate
// will honor for a given pending approval.
type ResolutionOptions struct {
	AllowSession bool `json:"allowSession"`
	AllowAlways  bool `json:"allowAlways"`
	DenyAlways   bool `json:"denyAlways"`
}

// Pending is one approval waiting on a human.
type Pending struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	WorkspaceID    string            `json:"workspaceId,omitempty"`
	Tool           string            `json:"tool"`
	Input          map[string]any    `json:"input,omitempty"`
	Command        string            `json:"command,omitempty"`
	DisplaySummary string            `json:"displaySummary"`
	Risk           string            `json:"risk"` // low, medium, high
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	TimeoutAt      *time.Time        `json:"timeoutAt,omitempty"`
	Options        ResolutionOptions `json:"resolutionOptions"`
}

type resolution struct {
	action Action
	scope  ResolveScope
	ttl    time.Duration
	by     string // "user" or "timeout"
}

type pendingEntry struct {
	p        Pending
	ch       chan resolution
	resolved bool
	timer    *time.Timer
}

type guard struct {
	workspaceID string
	engine      *Engine
}

// Gate is the approval rendezvous: it evaluates tool calls against the
// policy engine and suspends the caller while a human decides the
// ambiguous ones.
type Gate struct {
	mu      sync.Mutex
	store   *RuleStore
	audit   *AuditLog
	timeout time.Duration // 0 disables expiry
	guards  map[string]*guard
	pending map[string]*pendingEntry

	onApprovalNeeded func(Pending)
	onResolved       func(p Pending, action Action, by string)
}

// NewGate wires a gate over a rule store and audit log. timeout is the
// server-wide approval timeout; zero means pendings never expire.
func NewGate(store *RuleStore, audit *AuditLog, timeout time.Duration) *Gate {
	return &Gate{
		store:   store,
		audit:   audit,
		timeout: timeout,
		guards:  make(map[string]*guard),
		pending: make(map[string]*pendingEntry),
	}
}

// OnApprovalNeeded registers the callback invoked when a check
// transitions to ask. The callback runs outside the gate lock.
func (g *Gate) OnApprovalNeeded(fn func(Pending)) {
	g.mu.Lock()
	g.onApprovalNeeded = fn
	g.mu.Unlock()
}

// OnResolved registers the callback invoked after a pending approval
// resolves by any path. The callback runs outside the gate lock.
func (g *Gate) OnResolved(fn func(p Pending, action Action, by string)) {
	g.mu.Lock()
	g.onResolved = fn
	g.mu.Unlock()
}

// CreateGuard registers a session with the gate.
func (g *Gate) CreateGuard(sessionID, workspaceID string, engine *Engine) {
	if engine == nil {
		engine = NewEngine(ActionAsk)
	}
	g.mu.Lock()
	g.guards[sessionID] = &guard{workspaceID: workspaceID, engine: engine}
	g.mu.Unlock()
}

// SetSessionPolicy swaps the engine for a running session. Takes effect
// on the next check.
func (g *Gate) SetSessionPolicy(sessionID string, engine *Engine) {
	g.mu.Lock()
	if gu, ok := g.guards[sessionID]; ok && engine != nil {
		gu.engine = engine
	}
	g.mu.Unlock()
}

// DestroySessionGuard releases a session: outstanding approvals resolve
// as deny and in-memory session rules are cleared.
func (g *Gate) DestroySessionGuard(sessionID string) {
	g.mu.Lock()
	delete(g.guards, sessionID)
	var toCancel []*pendingEntry
	for _, e := range g.pending {
		if e.p.SessionID == sessionID && !e.resolved {
			toCancel = append(toCancel, e)
		}
	}
	g.mu.Unlock()

	for _, e := range toCancel {
		g.resolve(e.p.ID, resolution{action: ActionDeny, scope: ScopeOnce, by: "session_end"})
	}
	g.store.ClearSessionRules(sessionID)
}

// ListPending returns a snapshot of unresolved approvals.
func (g *Gate) ListPending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		if !e.resolved {
			out = append(out, e.p)
		}
	}
	return out
}

// CheckToolCall evaluates one tool call. Allow and deny return
// immediately; ask suspends until a human resolves the pending
// approval, the timeout fires, or ctx is cancelled (deny).
func (g *Gate) CheckToolCall(ctx context.Context, sessionID string, req GateRequest) (Decision, error) {
	g.mu.Lock()
	gu, ok := g.guards[sessionID]
	g.mu.Unlock()
	if !ok {
		return Decision{}, fmt.Errorf("no guard for session %s", sessionID)
	}

	snapshot := g.store.Snapshot(sessionID, gu.workspaceID)
	d := g.safeEvaluate(gu.engine, req, snapshot, sessionID, gu.workspaceID)

	if d.Action != ActionAsk {
		g.auditDecision(sessionID, gu.workspaceID, req, d, "rule")
		return d, nil
	}

	entry := g.newPending(sessionID, gu.workspaceID, req, d)

	g.mu.Lock()
	g.pending[entry.p.ID] = entry
	cb := g.onApprovalNeeded
	g.mu.Unlock()

	if g.timeout > 0 {
		id := entry.p.ID
		entry.timer = time.AfterFunc(g.timeout, func() {
			g.resolve(id, resolution{action: ActionDeny, scope: ScopeOnce, by: "timeout"})
		})
	}

	if cb != nil {
		cb(entry.p)
	}
	slog.Info("approval needed", "session", sessionID, "tool", req.Tool, "pending", entry.p.ID, "reason", d.Reason)

	var res resolution
	select {
	case res = <-entry.ch:
	case <-ctx.Done():
		g.resolve(entry.p.ID, resolution{action: ActionDeny, scope: ScopeOnce, by: "cancelled"})
		res = <-entry.ch
	}

	final := Decision{Action: res.action, Layer: "user"}
	switch res.by {
	case "timeout":
		final.Reason = "Approval timeout"
		final.Layer = "timeout"
	case "session_end":
		final.Reason = "Session ended"
	case "cancelled":
		final.Reason = "Cancelled"
	}

	if res.by == "user" {
		g.learn(sessionID, req, res)
	}
	g.auditResolution(sessionID, gu.workspaceID, req, final, res)
	return final, nil
}

// safeEvaluate shields the caller from a panicking engine: a policy
// bug must never crash a session or silently allow a call.
func (g *Gate) safeEvaluate(e *Engine, req GateRequest, snapshot []Rule, sessionID, workspaceID string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("policy engine panic", "session", sessionID, "tool", req.Tool, "panic", r)
			d = Decision{Action: ActionAsk, Reason: "Policy engine error", Layer: "guardrail"}
		}
	}()
	return e.Evaluate(req, snapshot, sessionID, workspaceID)
}

// ResolveDecision resolves a pending approval. Idempotent: a second
// call for the same id reports false and does nothing.
func (g *Gate) ResolveDecision(pendingID string, action Action, scope ResolveScope, ttlMs int64) bool {
	if action != ActionAllow {
		action = ActionDeny
	}
	if scope == "" {
		scope = ScopeOnce
	}
	var ttl time.Duration
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	return g.resolve(pendingID, resolution{action: action, scope: scope, ttl: ttl, by: "user"})
}

func (g *Gate) resolve(pendingID string, res resolution) bool {
	g.mu.Lock()
	e, ok := g.pending[pendingID]
	if !ok || e.resolved {
		g.mu.Unlock()
		return false
	}
	e.resolved = true
	delete(g.pending, pendingID)
	if e.timer != nil {
		e.timer.Stop()
	}
	cb := g.onResolved
	g.mu.Unlock()

	e.ch <- res
	if cb != nil {
		cb(e.p, res.action, res.by)
	}
	return true
}

// learn turns a user resolution into a learned rule per the scope
// normalization: once learns nothing, deny never learns, policy tools
// always resolve as once, workspace/global allow is learned at session
// scope.
func (g *Gate) learn(sessionID string, req GateRequest, res resolution) {
	if res.action != ActionAllow || res.scope == ScopeOnce {
		return
	}
	if strings.HasPrefix(req.Tool, "policy.") {
		slog.Info("policy tool approval not learned", "session", sessionID, "tool", req.Tool)
		return
	}

	ttl := res.ttl
	if ttl <= 0 || ttl > oneYear {
		ttl = oneYear
	}
	expires := time.Now().Add(ttl)

	rule := Rule{
		Tool:      req.Tool,
		Decision:  ActionAllow,
		Scope:     ScopeSession,
		Source:    SourceLearned,
		SessionID: sessionID,
		ExpiresAt: &expires,
		Label:     "Approved by user",
	}
	if cmd := req.Command(); cmd != "" {
		rule.Pattern = strings.TrimSpace(cmd)
	}
	if _, err := g.store.Add(rule); err != nil {
		slog.Warn("learned rule not saved", "session", sessionID, "error", err)
	}
}

func (g *Gate) newPending(sessionID, workspaceID string, req GateRequest, d Decision) *pendingEntry {
	now := time.Now()
	p := Pending{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		Tool:           req.Tool,
		Input:          req.Input,
		Command:        req.Command(),
		DisplaySummary: summarize(req),
		Risk:           classifyRisk(req, d),
		Reason:         d.Reason,
		CreatedAt:      now,
		Options:        resolutionOptionsFor(req),
	}
	if g.timeout > 0 {
		t := now.Add(g.timeout)
		p.TimeoutAt = &t
	}
	return &pendingEntry{p: p, ch: make(chan resolution, 1)}
}

func resolutionOptionsFor(req GateRequest) ResolutionOptions {
	if strings.HasPrefix(req.Tool, "policy.") {
		return ResolutionOptions{}
	}
	return ResolutionOptions{AllowSession: true, AllowAlways: true, DenyAlways: true}
}

func summarize(req GateRequest) string {
	if cmd := req.Command(); cmd != "" {
		if len(cmd) > 120 {
			cmd = cmd[:117] + "..."
		}
		return req.Tool + ": " + cmd
	}
	if p, ok := req.Input["path"].(string); ok {
		return req.Tool + ": " + p
	}
	return req.Tool
}

func classifyRisk(req GateRequest, d Decision) string {
	if d.Layer == "guardrail" {
		return "high"
	}
	if isBashTool(req.Tool) {
		return "medium"
	}
	return "low"
}

func (g *Gate) auditDecision(sessionID, workspaceID string, req GateRequest, d Decision, by string) {
	if g.audit == nil {
		return
	}
	e := AuditEntry{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Tool:        req.Tool,
		Input:       req.Input,
		Action:      d.Action,
		Reason:      d.Reason,
		Layer:       d.Layer,
		ResolvedBy:  by,
	}
	if d.Rule != nil {
		e.RuleID = d.Rule.ID
		e.RuleLabel = d.Rule.Label
	}
	if d.Layer == "guardrail" {
		e.ResolvedBy = "guardrail"
	}
	g.audit.Append(e)
}

func (g *Gate) auditResolution(sessionID, workspaceID string, req GateRequest, final Decision, res resolution) {
	if g.audit == nil {
		return
	}
	e := AuditEntry{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Tool:        req.Tool,
		Input:       req.Input,
		Action:      final.Action,
		Reason:      final.Reason,
		Layer:       final.Layer,
		ResolvedBy:  res.by,
	}
	if res.by == "user" {
		// policy.* approvals always take effect once; record the scope
		// that actually applied, not the one the client asked for.
		scope := res.scope
		if strings.HasPrefix(req.Tool, "policy.") {
			scope = ScopeOnce
		}
		e.UserChoice = &UserChoice{
			Action: res.action,
			Scope:  string(scope),
			TTLMs:  res.ttl.Milliseconds(),
		}
	}
	g.audit.Append(e)
}
