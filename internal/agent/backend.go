// Package agent defines the backend handle the session manager drives
// and the raw event vocabulary backends emit. The manager translates
// these into the stable external stream; nothing here is wire-visible
// to clients.
package agent

import (
	"context"
	"encoding/json"
)

// Raw backend event types.
const (
	EvMessageUpdate      = "message_update"
	EvMessageEnd         = "message_end"
	EvToolStart          = "tool_execution_start"
	EvToolUpdate         = "tool_execution_update"
	EvToolEnd            = "tool_execution_end"
	EvAgentStart         = "agent_start"
	EvAgentEnd           = "agent_end"
	EvTurnStart          = "turn_start"
	EvTurnEnd            = "turn_end"
	EvState              = "state"
	EvExtensionUIRequest = "extension_ui_request"
	EvError              = "error"
	EvExit               = "exit"
)

// Delta is a streaming text or thinking fragment.
type Delta struct {
	Kind string `json:"kind"` // "text" or "thinking"
	Text string `json:"text"`
}

// ContentBlock is one block of a message or tool result.
type ContentBlock struct {
	Type     string `json:"type"` // text, thinking, image, audio
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for image/audio
}

// Usage is the token accounting attached to an assistant message.
type Usage struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	CacheRead  int64   `json:"cacheRead"`
	CacheWrite int64   `json:"cacheWrite"`
	Cost       float64 `json:"cost"`
}

// Message is a completed message from the backend.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ToolResult is the (partial or final) output of a tool execution.
// Partial results carry the full content so far; the manager diffs.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ModelRef names a model as the backend knows it.
type ModelRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// StateSnapshot is a backend-pushed view of session state. Empty
// strings and nil pointers mean "unchanged".
type StateSnapshot struct {
	SessionFile    string    `json:"sessionFile,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	SessionName    string    `json:"sessionName,omitempty"`
	Model          *ModelRef `json:"model,omitempty"`
	ThinkingLevel  string    `json:"thinkingLevel,omitempty"`
	IsStreaming    *bool     `json:"isStreaming,omitempty"`
	AutoCompaction *bool     `json:"autoCompaction,omitempty"`
}

// UIRequest is an extension asking the human something. Dialog methods
// (confirm, select, input) expect a response; notify does not.
type UIRequest struct {
	ID          string   `json:"id"`
	Method      string   `json:"method"`
	Title       string   `json:"title,omitempty"`
	Message     string   `json:"message,omitempty"`
	Options     []string `json:"options,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
}

// Event is one raw backend event. Which fields are set depends on
// Type.
type Event struct {
	Type string `json:"type"`

	Role  string `json:"role,omitempty"`
	Delta *Delta `json:"delta,omitempty"`

	Message *Message `json:"message,omitempty"`

	Tool       string         `json:"tool,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Partial    *ToolResult    `json:"partialResult,omitempty"`
	Result     *ToolResult    `json:"result,omitempty"`
	Details    map[string]any `json:"details,omitempty"`

	State *StateSnapshot `json:"state,omitempty"`
	UI    *UIRequest     `json:"ui,omitempty"`

	Error string `json:"error,omitempty"`
}

// Handle is a live agent backend for one session. All methods are safe
// for concurrent use; Events delivers the backend's raw stream and is
// closed when the backend terminates.
type Handle interface {
	Events() <-chan Event
	Prompt(ctx context.Context, message string, images []string) error
	Steer(ctx context.Context, text string) error
	FollowUp(ctx context.Context, text string) error
	Stop(ctx context.Context) error
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	RespondUI(ctx context.Context, requestID string, response map[string]any) error
	Close() error
}

// LaunchOptions configure a backend process for one session.
type LaunchOptions struct {
	SessionID    string
	WorkspaceID  string
	SandboxDir   string // per-session working dir and trace location
	Model        string
	SystemPrompt string
	Skills       []string
	Extensions   []string

	// CheckPermission gates every tool call the backend wants to run.
	// Blocks while a human decides; a nil func allows everything.
	CheckPermission PermissionFunc
}

// PermissionFunc returns "allow" or "deny" for a tool call.
type PermissionFunc func(ctx context.Context, tool string, input map[string]any, toolCallID string) string

// Launcher creates backend handles.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}
