package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PiLauncher spawns the pi coding agent as a child process speaking
// JSON lines over stdio.
type PiLauncher struct {
	Binary string   // defaults to "pi"
	Args   []string // extra args before the session flags
}

// Launch starts one pi process for a session.
func (l *PiLauncher) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	bin := l.Binary
	if bin == "" {
		bin = "pi"
	}
	args := append([]string{}, l.Args...)
	args = append(args, "--mode", "stdio", "--session-dir", opts.SandboxDir)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	for _, sk := range opts.Skills {
		args = append(args, "--skill", sk)
	}
	for _, ext := range opts.Extensions {
		args = append(args, "--extension", ext)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = opts.SandboxDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	h := &piHandle{
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan Event, 64),
		calls:    make(map[string]chan rpcResult),
		check:    opts.CheckPermission,
		waitDone: make(chan struct{}),
	}
	go h.readLoop(stdout)
	slog.Info("backend started", "session", opts.SessionID, "pid", cmd.Process.Pid)
	return h, nil
}

type rpcResult struct {
	data json.RawMessage
	err  string
}

// piHandle drives one pi process. Outbound frames are serialized under
// wmu; the read loop owns stdout.
type piHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	check  PermissionFunc

	wmu      sync.Mutex
	closed   bool
	waitDone chan struct{}

	cmu   sync.Mutex
	calls map[string]chan rpcResult
}

// inFrame is the superset of line shapes pi writes.
type inFrame struct {
	Event
	ID     string          `json:"id,omitempty"`
	Input  map[string]any  `json:"input,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	RPCErr string          `json:"rpcError,omitempty"`
}

func (h *piHandle) readLoop(stdout io.Reader) {
	defer close(h.events)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f inFrame
		if err := json.Unmarshal(line, &f); err != nil {
			slog.Debug("backend line dropped", "error", err)
			continue
		}
		switch f.Type {
		case "permission_request":
			go h.handlePermission(f)
		case "rpc_result":
			h.cmu.Lock()
			ch, ok := h.calls[f.ID]
			delete(h.calls, f.ID)
			h.cmu.Unlock()
			if ok {
				ch <- rpcResult{data: f.Data, err: f.RPCErr}
			}
		default:
			h.events <- f.Event
		}
	}
	err := h.cmd.Wait()
	close(h.waitDone)
	ev := Event{Type: EvExit}
	if err != nil {
		ev.Error = err.Error()
	}
	h.events <- ev
}

// handlePermission runs the gate check and answers the backend. The
// check may suspend for minutes; it must not block the read loop.
func (h *piHandle) handlePermission(f inFrame) {
	action := "allow"
	if h.check != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		action = h.check(ctx, f.Tool, f.Input, f.ToolCallID)
	}
	if err := h.writeFrame(map[string]any{
		"type":       "permission_response",
		"toolCallId": f.ToolCallID,
		"action":     action,
	}); err != nil {
		slog.Warn("permission response write failed", "toolCallId", f.ToolCallID, "error", err)
	}
}

func (h *piHandle) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.closed {
		return fmt.Errorf("backend closed")
	}
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("backend write: %w", err)
	}
	return nil
}

func (h *piHandle) Events() <-chan Event { return h.events }

func (h *piHandle) Prompt(ctx context.Context, message string, images []string) error {
	return h.writeFrame(map[string]any{"type": "prompt", "message": message, "images": images})
}

func (h *piHandle) Steer(ctx context.Context, text string) error {
	return h.writeFrame(map[string]any{"type": "steer", "message": text})
}

func (h *piHandle) FollowUp(ctx context.Context, text string) error {
	return h.writeFrame(map[string]any{"type": "follow_up", "message": text})
}

func (h *piHandle) Stop(ctx context.Context) error {
	return h.writeFrame(map[string]any{"type": "stop"})
}

// Call performs a correlated RPC against the backend. Correlation ids
// never leave this adapter.
func (h *piHandle) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan rpcResult, 1)
	h.cmu.Lock()
	h.calls[id] = ch
	h.cmu.Unlock()

	err := h.writeFrame(map[string]any{"type": "rpc", "id": id, "method": method, "params": params})
	if err != nil {
		h.cmu.Lock()
		delete(h.calls, id)
		h.cmu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != "" {
			return nil, fmt.Errorf("%s: %s", method, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		h.cmu.Lock()
		delete(h.calls, id)
		h.cmu.Unlock()
		return nil, ctx.Err()
	}
}

func (h *piHandle) RespondUI(ctx context.Context, requestID string, response map[string]any) error {
	frame := map[string]any{"type": "extension_ui_response", "id": requestID}
	for k, v := range response {
		if k != "type" && k != "id" {
			frame[k] = v
		}
	}
	return h.writeFrame(frame)
}

// Close shuts the backend down: close stdin so pi exits cleanly, kill
// after a grace period. The read loop emits the final exit event.
func (h *piHandle) Close() error {
	h.wmu.Lock()
	if h.closed {
		h.wmu.Unlock()
		return nil
	}
	h.closed = true
	h.stdin.Close()
	h.wmu.Unlock()

	select {
	case <-h.waitDone:
	case <-time.After(5 * time.Second):
		h.cmd.Process.Kill()
	}
	return nil
}
