// Package registry implements the Repository Registry: a user-curated,
// persistent alias -> canonical-path allowlist. One JSON file, loaded
// lazily and kept in memory, writes serialized by a single mutex.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mvorch/microvm-orchestrator/internal/atomicfile"
)

// ErrUnknownAlias is returned by Resolve for an alias not in the
// registry.
var ErrUnknownAlias = errors.New("repo not registered")

// ErrNotAGitRepo is returned by Allow when path does not contain a .git
// entry.
var ErrNotAGitRepo = errors.New("not a git repository (.git missing)")

// Entry is one persisted registry record.
type Entry struct {
	Alias string    `json:"alias"`
	Path  string    `json:"path"`
	Added time.Time `json:"added"`
}

// persistedFile is the on-disk shape: alias -> entry, insertion order
// preserved via the Order slice.
type persistedFile struct {
	Entries map[string]Entry `json:"entries"`
	Order   []string         `json:"order"`
}

// Registry is the in-memory, mutex-guarded registry, backed by a single
// JSON file.
type Registry struct {
	path string

	mu      sync.Mutex
	loaded  bool
	entries map[string]Entry
	order   []string
}

// New creates a registry backed by path. The file is not read until the
// first operation (lazy load).
func New(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) ensureLoadedLocked() error {
	if r.loaded {
		return nil
	}
	r.entries = map[string]Entry{}
	r.order = nil

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.loaded = true
		return nil
	}
	if err != nil {
		return err
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing registry at %s: %w", r.path, err)
	}
	if pf.Entries != nil {
		r.entries = pf.Entries
	}
	r.order = pf.Order
	r.loaded = true
	return nil
}

func (r *Registry) persistLocked() error {
	pf := persistedFile{Entries: r.entries, Order: r.order}
	return atomicfile.EnsureDirAndWriteJSON(r.path, pf)
}

// Allow canonicalizes path, rejects it if .git is missing, and registers
// it under alias (or the directory basename if alias is empty). On an
// alias collision with a different path, -2, -3, ... are appended until
// unique. Returns the alias actually used.
func (r *Registry) Allow(path, alias string) (string, error) {
	canonical, err := canonicalize(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(canonical, ".git")); err != nil {
		return "", ErrNotAGitRepo
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return "", err
	}

	if alias == "" {
		alias = filepath.Base(canonical)
	}
	chosen := r.uniqueAliasLocked(alias, canonical)

	if _, exists := r.entries[chosen]; !exists {
		r.order = append(r.order, chosen)
	}
	r.entries[chosen] = Entry{Alias: chosen, Path: canonical, Added: time.Now().UTC()}

	if err := r.persistLocked(); err != nil {
		return "", err
	}
	return chosen, nil
}

// uniqueAliasLocked returns base unchanged if it's free or already maps
// to the same canonical path; otherwise appends -2, -3, ... until free.
func (r *Registry) uniqueAliasLocked(base, canonical string) string {
	if existing, ok := r.entries[base]; !ok || existing.Path == canonical {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if existing, ok := r.entries[candidate]; !ok || existing.Path == canonical {
			return candidate
		}
	}
}

// Resolve returns the canonical path for alias, or ErrUnknownAlias.
func (r *Registry) Resolve(alias string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return "", err
	}
	e, ok := r.entries[alias]
	if !ok {
		return "", fmt.Errorf("repo %q: %w", alias, ErrUnknownAlias)
	}
	return e.Path, nil
}

// List returns all entries in insertion order.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(r.order))
	for _, alias := range r.order {
		if e, ok := r.entries[alias]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove deletes alias; idempotent (removing an absent alias succeeds).
func (r *Registry) Remove(alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := r.entries[alias]; !ok {
		return nil
	}
	delete(r.entries, alias)
	filtered := r.order[:0:0]
	for _, a := range r.order {
		if a != alias {
			filtered = append(filtered, a)
		}
	}
	r.order = filtered
	return r.persistLocked()
}

// canonicalize resolves path to an absolute, symlink-free form.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", abs, err)
	}
	return real, nil
}

// HostLock returns an advisory, cross-process flock guarding `serve`, so
// a second invocation fails fast instead of corrupting registry or slot
// state.
func HostLock(lockPath string) *flock.Flock {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return flock.New(lockPath)
	}
	return flock.New(lockPath)
}

// sortedAliases is a small helper kept for callers that want a
// deterministic (rather than insertion) ordering, e.g. for diffing.
func sortedAliases(entries map[string]Entry) []string {
	out := make([]string, 0, len(entries))
	for a := range entries {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
