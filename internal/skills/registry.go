// Package skills loads workspace skill files and hot-reloads them when
// the directory changes. A skill is a markdown file with a frontmatter
// block naming it; the registry only reads the frontmatter, the backend
// consumes the body.
package skills

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 75 * time.Millisecond

// Skill is one loaded skill file.
type Skill struct {
	Name        string
	Description string
	Path        string
}

// Registry serves skill lookups for session bootstrap. Reloads are
// debounced; readers always see a complete snapshot.
type Registry struct {
	dir string

	mu     sync.RWMutex
	byName map[string]Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewRegistry scans dir and starts watching it. A missing dir is not an
// error; the registry stays empty until it appears on a later reload.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		byName: make(map[string]Skill),
		done:   make(chan struct{}),
	}
	r.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = w
	if err := w.Add(dir); err != nil {
		slog.Debug("skills dir not watchable", "dir", dir, "error", err)
	}
	go r.watchLoop()
	return r, nil
}

func (r *Registry) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-r.done:
			return
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			// Editors fire bursts of events per save; collapse them.
			if timer == nil {
				timer = time.AfterFunc(debounceDelay, r.reload)
			} else {
				timer.Reset(debounceDelay)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

func (r *Registry) reload() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	next := make(map[string]Skill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		sk, err := parseSkillFile(path)
		if err != nil {
			slog.Warn("skipping unreadable skill", "path", path, "error", err)
			continue
		}
		if sk.Name == "" {
			sk.Name = strings.TrimSuffix(e.Name(), ".md")
		}
		next[sk.Name] = sk
	}

	r.mu.Lock()
	r.byName = next
	r.mu.Unlock()
	slog.Debug("skills reloaded", "dir", r.dir, "count", len(next))
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.byName[name]
	return sk, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.byName))
	for _, sk := range r.byName {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveOrdered maps a workspace's ordered skill name list to loaded
// skills, silently skipping names with no file.
func (r *Registry) ResolveOrdered(names []string) []Skill {
	out := make([]Skill, 0, len(names))
	for _, n := range names {
		if sk, ok := r.Get(n); ok {
			out = append(out, sk)
		}
	}
	return out
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.once.Do(func() { close(r.done) })
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// parseSkillFile reads only the leading frontmatter block:
//
//	---
//	name: foo
//	description: does foo things
//	---
//
// Anything beyond simple key: value lines is ignored.
func parseSkillFile(path string) (Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return Skill{}, err
	}
	defer f.Close()

	sk := Skill{Path: path}
	sc := bufio.NewScanner(f)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "---" {
		return sk, nil
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "---" {
			break
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "name":
			sk.Name = val
		case "description":
			sk.Description = val
		}
	}
	return sk, sc.Err()
}
