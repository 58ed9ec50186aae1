package sessions

import (
	"fmt"
	"strings"
	"time"

	"github.com/duh17/pideck/internal/agent"
	"github.com/duh17/pideck/pkg/protocol"
)

// translator turns one backend's raw events into the external stream
// and keeps the session record current. It runs on the manager's
// per-session event loop; no internal locking needed.
type translator struct {
	sess *Session

	streamedAssistantText string
	hasStreamedThinking   bool
	partials              map[string]string // toolCallId -> last rendered partial
	runtimeThinking       string            // backend-reported, never persisted
}

func newTranslator(sess *Session) *translator {
	return &translator{sess: sess, partials: make(map[string]string)}
}

func (t *translator) event(typ string, payload map[string]any) *protocol.Event {
	return protocol.NewEvent(typ, t.sess.ID, payload)
}

func (t *translator) state() *protocol.Event {
	return t.event(protocol.EventState, t.sess.statePayload(t.runtimeThinking))
}

// mutatingTools are the tool names that count toward change stats.
var mutatingTools = map[string]bool{"write": true, "edit": true, "append": true}

// translate maps one raw backend event to zero or more external
// events. Untranslatable input is dropped; it never fails.
func (t *translator) translate(ev agent.Event) []*protocol.Event {
	switch ev.Type {
	case agent.EvMessageUpdate:
		return t.onMessageUpdate(ev)
	case agent.EvToolStart:
		return t.onToolStart(ev)
	case agent.EvToolUpdate:
		return t.onToolUpdate(ev)
	case agent.EvToolEnd:
		return t.onToolEnd(ev)
	case agent.EvMessageEnd:
		return t.onMessageEnd(ev)
	case agent.EvAgentStart:
		t.sess.Status = StatusBusy
		t.sess.LastActivity = time.Now()
		return []*protocol.Event{t.event(protocol.EventAgentStart, nil), t.state()}
	case agent.EvAgentEnd:
		t.sess.Status = StatusReady
		t.sess.LastActivity = time.Now()
		return []*protocol.Event{t.event(protocol.EventAgentEnd, nil), t.state()}
	case agent.EvTurnStart, agent.EvTurnEnd:
		return nil
	case agent.EvState:
		if ev.State == nil {
			return nil
		}
		t.applySnapshot(ev.State)
		return []*protocol.Event{t.state()}
	case agent.EvError:
		return []*protocol.Event{t.event(protocol.EventError, map[string]any{"error": ev.Error})}
	default:
		return nil
	}
}

func (t *translator) onMessageUpdate(ev agent.Event) []*protocol.Event {
	if ev.Delta == nil {
		return nil
	}
	switch ev.Delta.Kind {
	case "thinking":
		t.hasStreamedThinking = true
		return []*protocol.Event{t.event(protocol.EventThinkingDelta, map[string]any{"delta": ev.Delta.Text})}
	default:
		t.streamedAssistantText += ev.Delta.Text
		return []*protocol.Event{t.event(protocol.EventTextDelta, map[string]any{"delta": ev.Delta.Text})}
	}
}

func (t *translator) onToolStart(ev agent.Event) []*protocol.Event {
	if t.sess.FirstToolStartAt == nil {
		now := time.Now()
		t.sess.FirstToolStartAt = &now
	}
	if mutatingTools[ev.Tool] {
		if t.sess.ChangeStats == nil {
			t.sess.ChangeStats = &ChangeStats{}
		}
		path, _ := ev.Args["path"].(string)
		t.sess.ChangeStats.record(path)
	}
	return []*protocol.Event{t.event(protocol.EventToolStart, map[string]any{
		"tool":       ev.Tool,
		"args":       ev.Args,
		"toolCallId": ev.ToolCallID,
	})}
}

// onToolUpdate handles partial results, which carry the whole content
// so far (replace semantics): only the new tail goes on the wire.
func (t *translator) onToolUpdate(ev agent.Event) []*protocol.Event {
	if ev.Partial == nil {
		return nil
	}
	full := renderContent(ev.Partial.Content)
	prev := t.partials[ev.ToolCallID]
	t.partials[ev.ToolCallID] = full

	tail := tailDelta(prev, full)
	if tail == "" {
		return nil
	}
	return []*protocol.Event{t.event(protocol.EventToolOutput, map[string]any{
		"toolCallId": ev.ToolCallID,
		"output":     tail,
	})}
}

func (t *translator) onToolEnd(ev agent.Event) []*protocol.Event {
	var out []*protocol.Event

	if ev.Result != nil {
		full := renderContent(ev.Result.Content)
		prev, had := t.partials[ev.ToolCallID]
		tail := full
		if had {
			tail = tailDelta(prev, full)
		}
		if tail != "" {
			out = append(out, t.event(protocol.EventToolOutput, map[string]any{
				"toolCallId": ev.ToolCallID,
				"output":     tail,
			}))
		}
	}
	delete(t.partials, ev.ToolCallID)

	payload := map[string]any{
		"tool":       ev.Tool,
		"toolCallId": ev.ToolCallID,
	}
	if ev.Result != nil && ev.Result.IsError {
		payload["isError"] = true
	}
	if details := sanitizeDetails(ev.Details); details != nil {
		payload["details"] = details
	}
	out = append(out, t.event(protocol.EventToolEnd, payload))
	return out
}

// onMessageEnd reconciles the streamed deltas against the final
// message, then accounts assistant usage.
func (t *translator) onMessageEnd(ev agent.Event) []*protocol.Event {
	if ev.Message == nil {
		return nil
	}
	msg := ev.Message
	var out []*protocol.Event

	if msg.Role == "assistant" {
		final := renderText(msg.Content)
		if suffix := tailDelta(t.streamedAssistantText, final); suffix != "" {
			out = append(out, t.event(protocol.EventTextDelta, map[string]any{"delta": suffix}))
		}
		if !t.hasStreamedThinking {
			if thinking := renderThinking(msg.Content); thinking != "" {
				out = append(out, t.event(protocol.EventThinkingDelta, map[string]any{"delta": thinking}))
			}
		}
	}

	payload := map[string]any{
		"role":    msg.Role,
		"content": contentPayload(msg.Content),
	}
	if msg.Usage != nil {
		payload["usage"] = msg.Usage
	}
	out = append(out, t.event(protocol.EventMessageEnd, payload))

	if msg.Role == "assistant" {
		t.sess.MessageCount++
		if u := msg.Usage; u != nil {
			t.sess.Tokens.Input += u.Input
			t.sess.Tokens.Output += u.Output
			t.sess.Cost += u.Cost
			t.sess.ContextTokens = u.Input + u.Output + u.CacheRead + u.CacheWrite
		}
		t.sess.LastActivity = time.Now()
		t.streamedAssistantText = ""
		t.hasStreamedThinking = false
	}
	return out
}

// applySnapshot copies non-empty snapshot fields onto the record. The
// thinking level stays runtime-only: persisting it would clobber the
// remembered user preference.
func (t *translator) applySnapshot(s *agent.StateSnapshot) {
	if s.SessionID != "" {
		t.sess.PiSessionID = s.SessionID
	}
	if s.SessionName != "" {
		t.sess.Name = s.SessionName
	}
	if s.SessionFile != "" {
		known := false
		for _, f := range t.sess.PiSessionFiles {
			if f == s.SessionFile {
				known = true
				break
			}
		}
		if !known {
			t.sess.PiSessionFiles = append(t.sess.PiSessionFiles, s.SessionFile)
		}
	}
	if s.Model != nil && s.Model.ID != "" {
		id := s.Model.ID
		if s.Model.Provider != "" && !strings.HasPrefix(id, s.Model.Provider+"/") {
			id = s.Model.Provider + "/" + id
		}
		t.sess.Model = id
	}
	if s.ThinkingLevel != "" {
		t.runtimeThinking = s.ThinkingLevel
	}
}

// tailDelta returns what full adds beyond prev. When full does not
// extend prev (the backend rewrote its output), the whole new content
// is the delta.
func tailDelta(prev, full string) string {
	if strings.HasPrefix(full, prev) {
		return full[len(prev):]
	}
	return full
}

// renderContent flattens tool-result content to a stream string.
// Binary blocks become data URIs.
func renderContent(blocks []agent.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			b.WriteString(blk.Text)
		case "image", "audio":
			if blk.Data != "" {
				fmt.Fprintf(&b, "data:%s;base64,%s", blk.MimeType, blk.Data)
			}
		}
	}
	return b.String()
}

func renderText(blocks []agent.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func renderThinking(blocks []agent.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "thinking" {
			b.WriteString(blk.Thinking)
		}
	}
	return b.String()
}

func contentPayload(blocks []agent.ContentBlock) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, blk := range blocks {
		m := map[string]any{"type": blk.Type}
		switch blk.Type {
		case "text":
			m["text"] = blk.Text
		case "thinking":
			m["thinking"] = blk.Thinking
		case "image", "audio":
			m["data"] = fmt.Sprintf("data:%s;base64,%s", blk.MimeType, blk.Data)
		}
		out = append(out, m)
	}
	return out
}

// safeChartMarks is the allowlist for chart payloads attached to tool
// results. Anything else (heatmap included) drops the whole entry.
var safeChartMarks = map[string]bool{
	"line": true, "bar": true, "area": true, "point": true,
	"rect": true, "rule": true, "text": true, "tick": true,
}

// sanitizeDetails filters details.ui chart entries down to the safe
// mark allowlist; everything else in details passes through.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	ui, ok := details["ui"].([]any)
	if !ok {
		return details
	}

	kept := make([]any, 0, len(ui))
	for _, entry := range ui {
		if chartSafe(entry) {
			kept = append(kept, entry)
		}
	}

	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	out["ui"] = kept
	return out
}

func chartSafe(entry any) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		return true
	}
	chart, ok := m["chart"].(map[string]any)
	if !ok {
		return true
	}
	marks, ok := chart["marks"].([]any)
	if !ok {
		if mark, ok := chart["mark"].(string); ok {
			return safeChartMarks[mark]
		}
		return true
	}
	for _, mk := range marks {
		switch v := mk.(type) {
		case string:
			if !safeChartMarks[v] {
				return false
			}
		case map[string]any:
			if typ, ok := v["type"].(string); ok && !safeChartMarks[typ] {
				return false
			}
		}
	}
	return true
}
