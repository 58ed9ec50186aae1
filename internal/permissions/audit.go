package permissions

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the decision log.
type AuditEntry struct {
	Ts          time.Time      `json:"ts"`
	SessionID   string         `json:"sessionId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input,omitempty"`
	Action      Action         `json:"action"`
	Reason      string         `json:"reason,omitempty"`
	Layer       string         `json:"layer,omitempty"`
	RuleID      string         `json:"ruleId,omitempty"`
	RuleLabel   string         `json:"ruleLabel,omitempty"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"` // "rule", "user", "timeout", "guardrail"
	UserChoice  *UserChoice    `json:"userChoice,omitempty"`
}

// UserChoice records how a human resolved an approval.
type UserChoice struct {
	Action Action `json:"action"`
	Scope  string `json:"scope"`
	TTLMs  int64  `json:"ttlMs,omitempty"`
}

// AuditLog is an append-only JSONL file of gate decisions. Write
// failures are logged and swallowed: auditing never blocks a tool call.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog creates a log backed by the given JSONL path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Append writes one entry. Errors are reported to the logger only.
func (a *AuditLog) Append(e AuditEntry) {
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("audit marshal failed", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		slog.Warn("audit dir create failed", "error", err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("audit open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("audit write failed", "error", err)
	}
}

// AuditQuery filters a read of the log.
type AuditQuery struct {
	SessionID string
	SinceTs   time.Time
	Limit     int
}

// Query reads the log newest-last and returns the most recent matching
// entries up to the limit (default 100). Malformed lines are skipped.
func (a *AuditLog) Query(q AuditQuery) []AuditEntry {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if !q.SinceTs.IsZero() && e.Ts.Before(q.SinceTs) {
			continue
		}
		entries = append(entries, e)
	}

	if len(entries) > q.Limit {
		entries = entries[len(entries)-q.Limit:]
	}
	return entries
}
