// Package store defines the persistence contracts for workspaces and
// per-session records. The file/ subpackage is the one implementation:
// one JSON document per record, atomic writes.
package store

import (
	"fmt"
	"strings"
	"time"
)

// Runtime values a workspace may declare. Required; there is no legacy
// fallback for records missing it.
const (
	RuntimeHost      = "host"
	RuntimeContainer = "container"
)

// Workspace is the durable configuration for a group of sessions.
type Workspace struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Skills          []string  `json:"skills,omitempty"` // ordered
	PolicyPreset    string    `json:"policyPreset,omitempty"`
	Runtime         string    `json:"runtime"`
	HostMount       string    `json:"hostMount,omitempty"`
	MemoryEnabled   bool      `json:"memoryEnabled,omitempty"`
	MemoryNamespace string    `json:"memoryNamespace,omitempty"`
	Extensions      []string  `json:"extensions,omitempty"`
	DefaultModel    string    `json:"defaultModel,omitempty"`
	SystemPrompt    string    `json:"systemPrompt,omitempty"`
	Icon            string    `json:"icon,omitempty"`
	Description     string    `json:"description,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Normalize validates required fields and applies the canonical
// cleanups: extensions deduped and trimmed, memory namespace
// auto-assigned when memory is on and the namespace is blank.
func (w *Workspace) Normalize() error {
	if w.ID == "" {
		return fmt.Errorf("workspace id required")
	}
	switch w.Runtime {
	case RuntimeHost, RuntimeContainer:
	default:
		return fmt.Errorf("workspace %s: runtime must be %q or %q", w.ID, RuntimeHost, RuntimeContainer)
	}

	if w.MemoryEnabled && strings.TrimSpace(w.MemoryNamespace) == "" {
		w.MemoryNamespace = "ws-" + w.ID
	}

	if len(w.Extensions) > 0 {
		seen := make(map[string]bool, len(w.Extensions))
		out := w.Extensions[:0]
		for _, e := range w.Extensions {
			e = strings.TrimSpace(e)
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
		w.Extensions = out
	}
	return nil
}

// WorkspaceStore persists workspace records.
type WorkspaceStore interface {
	SaveWorkspace(w Workspace) error
	GetWorkspace(id string) (Workspace, bool)
	ListWorkspaces() []Workspace
	// DeleteWorkspace is idempotent: true when a record was removed,
	// false when none existed.
	DeleteWorkspace(id string) bool
}

// SessionStore persists opaque per-session records under the
// workspace's session directory.
type SessionStore interface {
	SaveSession(workspaceID, sessionID string, v any) error
	LoadSession(workspaceID, sessionID string, v any) error
	DeleteSession(workspaceID, sessionID string) error
	ListSessions(workspaceID string) []string
	// SessionDir is the per-session sandbox directory, created on
	// demand.
	SessionDir(workspaceID, sessionID string) string
}

// Store is the full persistence surface the server wires.
type Store interface {
	WorkspaceStore
	SessionStore
}
