package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/duh17/pideck/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var (
		addr    string
		token   string
		session string
		drive   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a session's event stream from a terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return fmt.Errorf("--session is required")
			}
			return runWatch(addr, token, session, drive)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:18900", "server host:port")
	cmd.Flags().StringVar(&token, "token", os.Getenv("PIDECK_TOKEN"), "bearer token (default $PIDECK_TOKEN)")
	cmd.Flags().StringVar(&session, "session", "", "session id to watch")
	cmd.Flags().BoolVar(&drive, "drive", false, "subscribe at level=full instead of notifications")
	return cmd
}

func runWatch(addr, token, session string, drive bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://%s/stream?token=%s", addr, token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(8 << 20)

	level := protocol.LevelNotifications
	if drive {
		level = protocol.LevelFull
	}
	sub, _ := json.Marshal(map[string]any{
		"type":      protocol.MsgSubscribe,
		"sessionId": session,
		"level":     level,
		"requestId": "watch-1",
	})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Fprintf(os.Stderr, "watching %s at level=%s (ctrl-c to quit)\n", session, level)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		printFrame(os.Stdout, data)
	}
}

// printFrame renders one event frame as a terse log line.
func printFrame(w io.Writer, data []byte) {
	var f struct {
		Type      string         `json:"type"`
		SessionID string         `json:"sessionId"`
		Seq       int64          `json:"seq"`
		Error     string         `json:"error"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Fprintf(w, "?? %s\n", data)
		return
	}

	switch f.Type {
	case protocol.EventStreamConnected, protocol.EventConnected:
		return
	case protocol.EventTextDelta:
		if text, ok := f.Payload["delta"].(string); ok {
			fmt.Fprint(w, text)
		}
		return
	case protocol.EventAgentEnd, protocol.EventMessageEnd:
		fmt.Fprintln(w)
	case "error":
		fmt.Fprintf(w, "! %s\n", f.Error)
		return
	}

	line := f.Type
	if f.Seq > 0 {
		line = fmt.Sprintf("%s seq=%d", line, f.Seq)
	}
	if f.Type == protocol.EventPermissionRequest {
		if sum, ok := f.Payload["displaySummary"].(string); ok {
			line += " " + sum
		}
		if id, ok := f.Payload["id"].(string); ok {
			line += " id=" + id
		}
	}
	if f.Type == protocol.EventState {
		if st, ok := f.Payload["status"].(string); ok {
			line += " status=" + st
		}
	}
	fmt.Fprintf(w, "-- %s\n", line)
}
