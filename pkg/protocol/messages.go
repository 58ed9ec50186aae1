package protocol

import "encoding/json"

// Client-to-server message types.
const (
	MsgSubscribe           = "subscribe"
	MsgUnsubscribe         = "unsubscribe"
	MsgPrompt              = "prompt"
	MsgSteer               = "steer"
	MsgFollowUp            = "follow_up"
	MsgStop                = "stop"
	MsgPermissionResponse  = "permission_response"
	MsgExtensionUIResponse = "extension_ui_response"
	MsgRPC                 = "rpc"
)

// Subscription levels. A full subscriber may drive the session and
// receives every event; a notifications subscriber is passive.
const (
	LevelFull          = "full"
	LevelNotifications = "notifications"
)

// ClientMessage is the union of all inbound messages on the user
// stream socket. Type discriminates; unused fields stay zero.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// subscribe
	Level string `json:"level,omitempty"`
	// Decoded as float64 so a fractional value can be rejected instead
	// of silently truncated.
	SinceSeq *float64 `json:"sinceSeq,omitempty"`

	// prompt / steer / follow_up
	Message      string   `json:"message,omitempty"`
	Images       []string `json:"images,omitempty"`
	ClientTurnID string   `json:"clientTurnId,omitempty"`

	// permission_response / extension_ui_response
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action,omitempty"`
	Scope  string          `json:"scope,omitempty"`
	TTLMs  int64           `json:"ttlMs,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`

	// rpc passthrough
	Command string         `json:"command,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// CommandResult acknowledges a client command.
type CommandResult struct {
	Type      string         `json:"type"` // always "command_result"
	Command   string         `json:"command"`
	RequestID string         `json:"requestId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewCommandResult builds a command_result frame.
func NewCommandResult(command, requestID string) *CommandResult {
	return &CommandResult{Type: "command_result", Command: command, RequestID: requestID, Success: true}
}

// Fail marks the result unsuccessful with an error message.
func (r *CommandResult) Fail(msg string) *CommandResult {
	r.Success = false
	r.Error = msg
	return r
}

// ErrorFrame is a non-fatal error surfaced to the client without
// disconnecting the socket.
type ErrorFrame struct {
	Type      string `json:"type"` // always "error"
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewError builds an error frame.
func NewError(msg, sessionID string) *ErrorFrame {
	return &ErrorFrame{Type: "error", Error: msg, SessionID: sessionID}
}
