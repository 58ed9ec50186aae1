package protocol

// Event names pushed from server to client. Every event except
// stream_connected carries the session it belongs to.
const (
	// Connection lifecycle (per socket, no sessionId).
	EventStreamConnected = "stream_connected"
	EventConnected       = "connected"

	// Agent turn lifecycle.
	EventAgentStart = "agent_start"
	EventAgentEnd   = "agent_end"

	// Streaming deltas (not retained for replay).
	EventTextDelta     = "text_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolOutput    = "tool_output"

	// Tool execution.
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"

	// Permission flow.
	EventPermissionRequest  = "permission_request"
	EventPermissionResolved = "permission_resolved"

	// Message + session state.
	EventMessageEnd   = "message_end"
	EventState        = "state"
	EventSessionEnded = "session_ended"
	EventError        = "error"

	// Prompt acknowledgement (turn dedupe).
	EventTurnAck = "turn_ack"

	// Extension UI bridge.
	EventExtensionUIRequest      = "extension_ui_request"
	EventExtensionUINotification = "extension_ui_notification"
)

// durableEvents are retained in the per-session ring for replay on
// reconnect. Everything else is broadcast live and then forgotten.
var durableEvents = map[string]bool{
	EventAgentStart:         true,
	EventAgentEnd:           true,
	EventToolStart:          true,
	EventToolEnd:            true,
	EventPermissionRequest:  true,
	EventPermissionResolved: true,
	EventMessageEnd:         true,
	EventState:              true,
	EventSessionEnded:       true,
	EventError:              true,
}

// notificationEvents is the subset a notifications-level subscriber
// receives: lifecycle, permission and state changes, no streaming.
var notificationEvents = map[string]bool{
	EventAgentStart:         true,
	EventAgentEnd:           true,
	EventPermissionRequest:  true,
	EventPermissionResolved: true,
	EventState:              true,
	EventSessionEnded:       true,
	EventError:              true,
}

// Event is one server-to-client event frame.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event frame for a session.
func NewEvent(typ, sessionID string, payload map[string]any) *Event {
	return &Event{Type: typ, SessionID: sessionID, Payload: payload}
}

// Durable reports whether this event type is retained for replay.
func (e *Event) Durable() bool { return durableEvents[e.Type] }

// VisibleAtNotifications reports whether a notifications-level
// subscriber receives this event type.
func (e *Event) VisibleAtNotifications() bool { return notificationEvents[e.Type] }
