package skills

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSkill(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLoadFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review.md", "---\nname: code-review\ndescription: reviews diffs\n---\nbody here\n")
	writeSkill(t, dir, "plain.md", "no frontmatter at all\n")
	writeSkill(t, dir, "notes.txt", "not a skill\n")

	r := newTestRegistry(t, dir)

	sk, ok := r.Get("code-review")
	if !ok {
		t.Fatal("code-review not loaded")
	}
	if sk.Description != "reviews diffs" {
		t.Errorf("description = %q", sk.Description)
	}

	// No frontmatter falls back to the file name.
	if _, ok := r.Get("plain"); !ok {
		t.Error("plain.md should load under its file name")
	}
	if len(r.List()) != 2 {
		t.Errorf("List = %v", r.List())
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry")
	}

	writeSkill(t, dir, "new.md", "---\nname: fresh\n---\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("fresh"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("new skill never appeared after write")
}

func TestResolveOrdered(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "a.md", "---\nname: a\n---\n")
	writeSkill(t, dir, "b.md", "---\nname: b\n---\n")

	r := newTestRegistry(t, dir)
	got := r.ResolveOrdered([]string{"b", "missing", "a"})
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "a" {
		t.Fatalf("ResolveOrdered = %+v", got)
	}
}

func TestMissingDirStartsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	r := newTestRegistry(t, dir)
	if len(r.List()) != 0 {
		t.Fatal("missing dir must yield empty registry")
	}
}
