// Package file implements store.Store on the filesystem: one JSON
// document per workspace at <data>/workspaces/<wid>.json and session
// records under <data>/workspaces/<wid>/sessions/<sid>/.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/duh17/pideck/internal/store"
)

// Store is the file-backed implementation. Writes are atomic (temp
// then rename) and serialized by a single mutex; the record counts
// here never justify anything finer.
type Store struct {
	mu   sync.Mutex
	root string // <data>/workspaces
}

// New creates a store rooted at dataDir.
func New(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "workspaces")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) workspacePath(id string) string {
	return filepath.Join(s.root, id+".json")
}

func (s *Store) sessionDir(wid, sid string) string {
	return filepath.Join(s.root, wid, "sessions", sid)
}

// writeJSON writes v atomically to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) SaveWorkspace(w store.Workspace) error {
	if err := w.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(s.workspacePath(w.ID), w); err != nil {
		return fmt.Errorf("save workspace %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) GetWorkspace(id string) (store.Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.workspacePath(id))
	if err != nil {
		return store.Workspace{}, false
	}
	var w store.Workspace
	if err := json.Unmarshal(data, &w); err != nil {
		slog.Warn("unreadable workspace record skipped", "workspace", id, "error", err)
		return store.Workspace{}, false
	}
	return w, true
}

func (s *Store) ListWorkspaces() []store.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []store.Workspace
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			continue
		}
		var w store.Workspace
		if err := json.Unmarshal(data, &w); err != nil {
			slog.Warn("unreadable workspace record skipped", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) DeleteWorkspace(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.workspacePath(id)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("workspace delete failed", "workspace", id, "error", err)
		return false
	}
	os.RemoveAll(filepath.Join(s.root, id))
	return true
}

func (s *Store) SaveSession(workspaceID, sessionID string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.sessionDir(workspaceID, sessionID), "session.json")
	if err := writeJSON(path, v); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) LoadSession(workspaceID, sessionID string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.sessionDir(workspaceID, sessionID), "session.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return json.Unmarshal(data, v)
}

func (s *Store) DeleteSession(workspaceID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.sessionDir(workspaceID, sessionID))
}

func (s *Store) ListSessions(workspaceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, workspaceID, "sessions"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) SessionDir(workspaceID, sessionID string) string {
	dir := s.sessionDir(workspaceID, sessionID)
	os.MkdirAll(dir, 0o755)
	return dir
}
