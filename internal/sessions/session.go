// Package sessions owns the live agent sessions: the session record,
// the per-session event ring, backend event translation into the
// stable external stream, and the manager that coordinates them.
package sessions

import (
	"time"
)

// Status of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Tokens is the running token total for a session.
type Tokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// changedFilesCap bounds the changed-file list; overflow is flagged,
// not grown.
const changedFilesCap = 100

// ChangeStats summarizes file mutations made during a session.
type ChangeStats struct {
	MutatingToolCalls    int      `json:"mutatingToolCalls"`
	FilesChanged         int      `json:"filesChanged"`
	ChangedFiles         []string `json:"changedFiles,omitempty"`
	ChangedFilesOverflow bool     `json:"changedFilesOverflow,omitempty"`
	AddedLines           int      `json:"addedLines"`
	RemovedLines         int      `json:"removedLines"`
}

// record notes one mutating tool call touching path.
func (c *ChangeStats) record(path string) {
	c.MutatingToolCalls++
	if path == "" {
		return
	}
	for _, f := range c.ChangedFiles {
		if f == path {
			return
		}
	}
	if len(c.ChangedFiles) >= changedFilesCap {
		c.ChangedFilesOverflow = true
		c.FilesChanged++
		return
	}
	c.ChangedFiles = append(c.ChangedFiles, path)
	c.FilesChanged++
}

// Session is the durable record of one agent session. Exclusively
// owned by the Manager; everything else reads copies.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Status      Status `json:"status"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	MessageCount  int     `json:"messageCount"`
	Tokens        Tokens  `json:"tokens"`
	Cost          float64 `json:"cost"`
	ContextTokens int64   `json:"contextTokens"`

	Name          string `json:"name,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`

	PiSessionID    string   `json:"piSessionId,omitempty"`
	PiSessionFiles []string `json:"piSessionFiles,omitempty"`

	ChangeStats *ChangeStats `json:"changeStats,omitempty"`

	FirstToolStartAt *time.Time `json:"firstToolStartAt,omitempty"`
}

// statePayload renders the session as a state event payload.
// thinkingLevel reflects the backend's live value when it reported
// one; the record's own field is the remembered user preference.
func (s *Session) statePayload(runtimeThinking string) map[string]any {
	tl := s.ThinkingLevel
	if runtimeThinking != "" {
		tl = runtimeThinking
	}
	p := map[string]any{
		"sessionId":     s.ID,
		"workspaceId":   s.WorkspaceID,
		"status":        string(s.Status),
		"messageCount":  s.MessageCount,
		"tokens":        map[string]any{"input": s.Tokens.Input, "output": s.Tokens.Output},
		"cost":          s.Cost,
		"contextTokens": s.ContextTokens,
	}
	if s.Name != "" {
		p["name"] = s.Name
	}
	if s.Model != "" {
		p["model"] = s.Model
	}
	if tl != "" {
		p["thinkingLevel"] = tl
	}
	if s.PiSessionID != "" {
		p["piSessionId"] = s.PiSessionID
	}
	if s.ChangeStats != nil {
		p["changeStats"] = s.ChangeStats
	}
	return p
}
