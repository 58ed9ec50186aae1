package permissions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRuleView caps the number of rules returned from read operations.
// Overflow is silent; the store itself keeps everything.
const maxRuleView = 500

// oneYear bounds learned-rule TTLs.
const oneYear = 365 * 24 * time.Hour

// RuleStore persists global and workspace rules to a single JSON array
// file and keeps session rules in memory. External edits to the file
// become visible on the next read (mtime stat before every read).
type RuleStore struct {
	mu   sync.Mutex
	path string

	persistent []Rule            // global + workspace scope
	session    map[string][]Rule // sessionID → rules, memory only

	loadedMtime time.Time
	loadedOnce  bool
}

// NewRuleStore creates a store backed by the given file path. The file
// may not exist yet.
func NewRuleStore(path string) *RuleStore {
	return &RuleStore{path: path, session: make(map[string][]Rule)}
}

// reload re-reads the rule file if its mtime advanced since the last
// load. Corrupt, empty or missing files load as an empty set.
// Caller holds s.mu.
func (s *RuleStore) reload() {
	st, err := os.Stat(s.path)
	if err != nil {
		if s.loadedOnce && len(s.persistent) > 0 {
			s.persistent = nil
		}
		s.loadedOnce = true
		return
	}
	if s.loadedOnce && st.ModTime().Equal(s.loadedMtime) {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	s.loadedMtime = st.ModTime()
	s.loadedOnce = true

	var raws []json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &raws) != nil {
		s.persistent = nil
		return
	}

	seen := make(map[string]bool, len(raws))
	rules := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		r, ok := decodeRule(raw)
		if !ok || r.Scope == ScopeSession {
			continue
		}
		key := r.dedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		rules = append(rules, r)
	}
	s.persistent = rules
}

// save writes the persistent rules atomically (temp file then rename).
// Caller holds s.mu.
func (s *RuleStore) save() error {
	data, err := json.MarshalIndent(s.persistent, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "rules-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false

	if st, err := os.Stat(s.path); err == nil {
		s.loadedMtime = st.ModTime()
	}
	return nil
}

// Add inserts a rule, assigning an id if missing. Session rules stay
// in memory; everything else is persisted.
func (s *RuleStore) Add(r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Source == "" {
		r.Source = SourceManual
	}

	if r.Scope == ScopeSession {
		s.session[r.SessionID] = append(s.session[r.SessionID], r)
		return r, nil
	}

	s.persistent = append(s.persistent, r)
	if err := s.save(); err != nil {
		return r, fmt.Errorf("save rules: %w", err)
	}
	return r, nil
}

// RulePatch carries partial updates. Raw JSON distinguishes an absent
// field from an explicit null, which clears the field.
type RulePatch struct {
	Decision   *Action         `json:"decision,omitempty"`
	Executable json.RawMessage `json:"executable,omitempty"`
	Pattern    json.RawMessage `json:"pattern,omitempty"`
	Label      json.RawMessage `json:"label,omitempty"`
	ExpiresAt  json.RawMessage `json:"expiresAt,omitempty"`
}

// Update applies a patch to the rule with the given id.
func (s *RuleStore) Update(id string, patch RulePatch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	apply := func(r *Rule) error {
		if patch.Decision != nil {
			r.Decision = *patch.Decision
		}
		if err := patchString(patch.Executable, &r.Executable); err != nil {
			return err
		}
		if err := patchString(patch.Pattern, &r.Pattern); err != nil {
			return err
		}
		if err := patchString(patch.Label, &r.Label); err != nil {
			return err
		}
		if len(patch.ExpiresAt) > 0 {
			if string(patch.ExpiresAt) == "null" {
				r.ExpiresAt = nil
			} else {
				var t time.Time
				if err := json.Unmarshal(patch.ExpiresAt, &t); err != nil {
					return fmt.Errorf("expiresAt: %w", err)
				}
				r.ExpiresAt = &t
			}
		}
		return nil
	}

	for i := range s.persistent {
		if s.persistent[i].ID != id {
			continue
		}
		if err := apply(&s.persistent[i]); err != nil {
			return Rule{}, err
		}
		if err := s.save(); err != nil {
			return Rule{}, fmt.Errorf("save rules: %w", err)
		}
		return s.persistent[i], nil
	}
	for sid, rules := range s.session {
		for i := range rules {
			if rules[i].ID != id {
				continue
			}
			if err := apply(&rules[i]); err != nil {
				return Rule{}, err
			}
			s.session[sid] = rules
			return rules[i], nil
		}
	}
	return Rule{}, ErrRuleNotFound
}

func patchString(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 {
		return nil
	}
	if string(raw) == "null" {
		*dst = ""
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// ErrRuleNotFound is returned for operations on unknown rule ids.
var ErrRuleNotFound = fmt.Errorf("rule not found")

// Remove deletes a rule by id. Removing an unknown id is an error.
func (s *RuleStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	for i := range s.persistent {
		if s.persistent[i].ID == id {
			s.persistent = append(s.persistent[:i], s.persistent[i+1:]...)
			if err := s.save(); err != nil {
				return fmt.Errorf("save rules: %w", err)
			}
			return nil
		}
	}
	for sid, rules := range s.session {
		for i := range rules {
			if rules[i].ID == id {
				s.session[sid] = append(rules[:i], rules[i+1:]...)
				return nil
			}
		}
	}
	return ErrRuleNotFound
}

// GetAll returns every persisted rule plus all session rules, capped
// at the view limit.
func (s *RuleStore) GetAll() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	out := make([]Rule, 0, len(s.persistent))
	out = append(out, s.persistent...)
	for _, rules := range s.session {
		out = append(out, rules...)
	}
	return capView(out)
}

// GetForWorkspace returns global rules plus those bound to the
// workspace.
func (s *RuleStore) GetForWorkspace(workspaceID string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	var out []Rule
	for _, r := range s.persistent {
		if r.Scope == ScopeGlobal || (r.Scope == ScopeWorkspace && r.WorkspaceID == workspaceID) {
			out = append(out, r)
		}
	}
	return capView(out)
}

// GetForSession returns the in-memory rules for a session.
func (s *RuleStore) GetForSession(sessionID string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, len(s.session[sessionID]))
	copy(out, s.session[sessionID])
	return out
}

// Snapshot returns the full rule view relevant to one session: global,
// its workspace's, and its own session rules. This is what the engine
// evaluates against.
func (s *RuleStore) Snapshot(sessionID, workspaceID string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	var out []Rule
	for _, r := range s.persistent {
		if r.Scope == ScopeGlobal || (r.Scope == ScopeWorkspace && r.WorkspaceID == workspaceID) {
			out = append(out, r)
		}
	}
	out = append(out, s.session[sessionID]...)
	return capView(out)
}

// FindMatching evaluates the relevant rules against a request and
// returns the winning rule, or nil.
func (s *RuleStore) FindMatching(req GateRequest, sessionID, workspaceID string) *Rule {
	snapshot := s.Snapshot(sessionID, workspaceID)
	command := req.Command()
	return findMatching(snapshot, req, command, parseStages(command), sessionID, workspaceID, time.Now())
}

// ClearSessionRules drops all in-memory rules for a session.
func (s *RuleStore) ClearSessionRules(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sessionID)
}

// SeedIfEmpty installs the preset bundle when no persistent rules
// exist yet.
func (s *RuleStore) SeedIfEmpty(preset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()

	if len(s.persistent) > 0 {
		return nil
	}
	s.persistent = PresetRules(preset)
	if err := s.save(); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	slog.Info("seeded policy rules", "preset", preset, "count", len(s.persistent))
	return nil
}

func capView(rules []Rule) []Rule {
	if len(rules) > maxRuleView {
		return rules[:maxRuleView]
	}
	return rules
}
