package permissions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*RuleStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	return NewRuleStore(path), path
}

func TestStoreAddPersistsAndReloads(t *testing.T) {
	s, path := newTestStore(t)

	added, err := s.Add(Rule{Tool: "bash", Executable: "git", Decision: ActionAllow, Scope: ScopeGlobal})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("expected an assigned id")
	}

	// A fresh store over the same file sees the rule.
	s2 := NewRuleStore(path)
	all := s2.GetAll()
	if len(all) != 1 || all[0].Executable != "git" {
		t.Fatalf("reloaded rules = %+v", all)
	}
}

func TestStoreSessionRulesMemoryOnly(t *testing.T) {
	s, path := newTestStore(t)

	if _, err := s.Add(Rule{Tool: "bash", Pattern: "make test", Decision: ActionAllow, Scope: ScopeSession, SessionID: "s1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("session rule must not touch the rule file")
	}
	if got := s.GetForSession("s1"); len(got) != 1 {
		t.Fatalf("GetForSession = %+v", got)
	}

	s.ClearSessionRules("s1")
	if got := s.GetForSession("s1"); len(got) != 0 {
		t.Fatalf("rules survived clear: %+v", got)
	}
}

func TestStoreHotReload(t *testing.T) {
	s, path := newTestStore(t)

	if _, err := s.Add(Rule{Tool: "bash", Executable: "ls", Decision: ActionAllow, Scope: ScopeGlobal}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Add(Rule{Tool: "bash", Pattern: "x", Decision: ActionAllow, Scope: ScopeSession, SessionID: "s1"}); err != nil {
		t.Fatalf("add session: %v", err)
	}

	// External edit replaces the file.
	external := []Rule{{ID: "ext", Tool: "bash", Executable: "rm", Decision: ActionDeny, Scope: ScopeGlobal, Source: SourceManual}}
	data, _ := json.Marshal(external)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	all := s.GetAll()
	var ids []string
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	if len(all) != 2 {
		t.Fatalf("rules after external edit = %v", ids)
	}
	found := false
	for _, r := range all {
		if r.ID == "ext" {
			found = true
		}
	}
	if !found {
		t.Fatal("external rule not picked up")
	}
	// The session rule survives the reload.
	if got := s.GetForSession("s1"); len(got) != 1 {
		t.Fatal("session rule lost on reload")
	}
}

func TestStoreCorruptFileLoadsEmpty(t *testing.T) {
	s, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := s.GetAll(); len(got) != 0 {
		t.Fatalf("corrupt file should load as empty, got %+v", got)
	}
}

func TestStoreLegacyMigrationAndDedupe(t *testing.T) {
	s, path := newTestStore(t)
	raw := `[
		{"id":"l1","tool":"bash","effect":"deny","match":{"executable":"sudo"},"scope":"global"},
		{"id":"l2","tool":"bash","effect":"deny","match":{"executable":"sudo"},"scope":"global"},
		{"id":"n1","tool":"bash","decision":"allow","pattern":"git status*","scope":"global","source":"manual"}
	]`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("want legacy migrated and duplicate collapsed, got %+v", all)
	}
	var migrated *Rule
	for i := range all {
		if all[i].ID == "l1" {
			migrated = &all[i]
		}
	}
	if migrated == nil {
		t.Fatal("legacy rule missing")
	}
	if migrated.Decision != ActionDeny || migrated.Executable != "sudo" || migrated.Source != SourceManual {
		t.Fatalf("migrated = %+v", migrated)
	}
}

func TestStoreUpdateWithNullClears(t *testing.T) {
	s, _ := newTestStore(t)
	added, err := s.Add(Rule{Tool: "bash", Executable: "git", Pattern: "git push*", Decision: ActionAsk, Scope: ScopeGlobal, Label: "push"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	decision := ActionAllow
	updated, err := s.Update(added.ID, RulePatch{
		Decision: &decision,
		Pattern:  json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Decision != ActionAllow {
		t.Fatalf("decision = %s", updated.Decision)
	}
	if updated.Pattern != "" {
		t.Fatalf("null must clear pattern, got %q", updated.Pattern)
	}
	if updated.Executable != "git" {
		t.Fatalf("absent field must be untouched, got %q", updated.Executable)
	}
}

func TestStoreRemove(t *testing.T) {
	s, _ := newTestStore(t)
	added, _ := s.Add(Rule{Tool: "bash", Executable: "git", Decision: ActionAllow, Scope: ScopeGlobal})

	if err := s.Remove(added.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(added.ID); err != ErrRuleNotFound {
		t.Fatalf("second remove = %v, want ErrRuleNotFound", err)
	}
	if got := s.GetAll(); len(got) != 0 {
		t.Fatalf("rules after remove = %+v", got)
	}
}

func TestStoreGetForWorkspace(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Rule{Tool: "bash", Executable: "a", Decision: ActionAllow, Scope: ScopeGlobal})
	s.Add(Rule{Tool: "bash", Executable: "b", Decision: ActionAllow, Scope: ScopeWorkspace, WorkspaceID: "w1"})
	s.Add(Rule{Tool: "bash", Executable: "c", Decision: ActionAllow, Scope: ScopeWorkspace, WorkspaceID: "w2"})

	got := s.GetForWorkspace("w1")
	if len(got) != 2 {
		t.Fatalf("GetForWorkspace = %+v", got)
	}
	for _, r := range got {
		if r.Executable == "c" {
			t.Fatal("foreign workspace rule leaked")
		}
	}
}

func TestStoreSeedIfEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SeedIfEmpty(PresetContainer); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first := s.GetAll()
	if len(first) == 0 {
		t.Fatal("seed produced no rules")
	}

	// Second seed is a no-op.
	if err := s.SeedIfEmpty(PresetHost); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if got := s.GetAll(); len(got) != len(first) {
		t.Fatalf("second seed changed rules: %d -> %d", len(first), len(got))
	}
}

func TestStoreViewCap(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < maxRuleView+20; i++ {
		s.session["s1"] = append(s.session["s1"], Rule{ID: "r", Tool: "bash", Decision: ActionAllow, Scope: ScopeSession, SessionID: "s1"})
	}
	if got := s.GetAll(); len(got) != maxRuleView {
		t.Fatalf("view = %d rules, want %d", len(got), maxRuleView)
	}
}
