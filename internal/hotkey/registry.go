// Package hotkey keeps the host-wide table of keys claimed by running tasks.
//
// A key has at most one live owner. Pressing a key (the "key" CLI command,
// or a desktop binding that invokes it) looks up the owner and delivers the
// owner's hotkey id to its aux endpoint. Lock-style keys additionally carry a
// toggled state, like Caps Lock or Scroll Lock.
package hotkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/victorarias/taskhost/internal/proc"
)

var (
	ErrKeyTaken   = errors.New("hotkey already registered by another process")
	ErrNotClaimed = errors.New("hotkey not registered")
	ErrBadKey     = errors.New("invalid hotkey")
)

// Entry is one claimed key.
type Entry struct {
	Key string `json:"key"`
	PID int    `json:"pid"`
	ID  int    `json:"id"`
}

type table struct {
	Keys    map[string]Entry `json:"keys"`
	Toggles map[string]bool  `json:"toggles,omitempty"`
}

// Registry is a JSON table guarded by a file lock.
type Registry struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// Open returns the registry stored at path. The file is created on first write.
func Open(path string) *Registry {
	return &Registry{path: path, lock: flock.New(path + ".lock")}
}

// DefaultPath returns the registry location under the runtime dir.
func DefaultPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "hotkeys.json")
}

// Normalize canonicalizes a key name: lower case, modifiers first in a
// fixed order ("ctrl+alt+shift+super+<key>").
func Normalize(key string) (string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), "+")
	mods := map[string]bool{}
	var base string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "ctrl", "control":
			mods["ctrl"] = true
		case "alt":
			mods["alt"] = true
		case "shift":
			mods["shift"] = true
		case "super", "win", "meta":
			mods["super"] = true
		case "":
			return "", fmt.Errorf("%w: %q", ErrBadKey, key)
		default:
			if base != "" {
				return "", fmt.Errorf("%w: %q has two keys", ErrBadKey, key)
			}
			base = p
		}
	}
	if base == "" {
		return "", fmt.Errorf("%w: %q has no key", ErrBadKey, key)
	}
	var out []string
	for _, m := range []string{"ctrl", "alt", "shift", "super"} {
		if mods[m] {
			out = append(out, m)
		}
	}
	return strings.Join(append(out, base), "+"), nil
}

func (r *Registry) update(fn func(t *table) error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("create hotkey dir: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock hotkey registry: %w", err)
	}
	defer r.lock.Unlock()

	t, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(&t); err != nil {
		return err
	}
	return r.save(t)
}

func (r *Registry) view() (table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(filepath.Dir(r.path)); err != nil {
		return r.load()
	}
	if err := r.lock.RLock(); err != nil {
		return table{}, fmt.Errorf("lock hotkey registry: %w", err)
	}
	defer r.lock.Unlock()
	return r.load()
}

func (r *Registry) load() (table, error) {
	t := table{Keys: map[string]Entry{}, Toggles: map[string]bool{}}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("unmarshal hotkey registry: %w", err)
	}
	if t.Keys == nil {
		t.Keys = map[string]Entry{}
	}
	if t.Toggles == nil {
		t.Toggles = map[string]bool{}
	}
	return t, nil
}

func (r *Registry) save(t table) error {
	payload, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hotkey registry: %w", err)
	}
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, append(payload, '\n'), 0600); err != nil {
		return fmt.Errorf("write temp hotkey registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename hotkey registry: %w", err)
	}
	return nil
}

// Register claims key for pid. Entries of dead processes are taken over.
func (r *Registry) Register(key string, pid, id int) error {
	key, err := Normalize(key)
	if err != nil {
		return err
	}
	return r.update(func(t *table) error {
		if cur, ok := t.Keys[key]; ok && cur.PID != pid && proc.Alive(cur.PID) {
			return fmt.Errorf("%w: %s (pid %d)", ErrKeyTaken, key, cur.PID)
		}
		t.Keys[key] = Entry{Key: key, PID: pid, ID: id}
		return nil
	})
}

// Unregister releases every key owned by pid.
func (r *Registry) Unregister(pid int) error {
	return r.update(func(t *table) error {
		for k, e := range t.Keys {
			if e.PID == pid {
				delete(t.Keys, k)
			}
		}
		return nil
	})
}

// Lookup returns the live owner of key.
func (r *Registry) Lookup(key string) (Entry, error) {
	key, err := Normalize(key)
	if err != nil {
		return Entry{}, err
	}
	t, err := r.view()
	if err != nil {
		return Entry{}, err
	}
	e, ok := t.Keys[key]
	if !ok || !proc.Alive(e.PID) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotClaimed, key)
	}
	return e, nil
}

// List returns all entries with a live owner.
func (r *Registry) List() ([]Entry, error) {
	t, err := r.view()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range t.Keys {
		if proc.Alive(e.PID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ToggleLock flips the toggled state of a lock-style key and returns it.
func (r *Registry) ToggleLock(key string) (bool, error) {
	key, err := Normalize(key)
	if err != nil {
		return false, err
	}
	var state bool
	err = r.update(func(t *table) error {
		state = !t.Toggles[key]
		t.Toggles[key] = state
		return nil
	})
	return state, err
}

// LockState returns the toggled state of a lock-style key.
func (r *Registry) LockState(key string) (bool, error) {
	key, err := Normalize(key)
	if err != nil {
		return false, err
	}
	t, err := r.view()
	if err != nil {
		return false, err
	}
	return t.Toggles[key], nil
}

// IsLockKey reports whether key names a toggling lock key.
func IsLockKey(key string) bool {
	switch strings.ToLower(key) {
	case "capslock", "scrolllock", "numlock":
		return true
	}
	return false
}
