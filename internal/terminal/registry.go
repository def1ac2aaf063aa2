package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mkosti/angelia/internal/orchestrator"
)

var (
	ErrNotFound       = errors.New("terminal not found")
	ErrActiveTerminal = errors.New("cannot delete the active terminal")
)

// Terminal is one named conversation slot. StateData is the resume
// snapshot taken when the slot was last live, used to re-seed the
// resume store when the user returns to it.
type Terminal struct {
	Orchestrator string    `json:"orchestrator"`
	StateData    string    `json:"stateData,omitempty"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsed     time.Time `json:"lastUsed"`
}

// UserRegistry holds one user's terminals. At most one terminal is
// materialized as a live session at a time; ActiveKey selects which.
type UserRegistry struct {
	ActiveKey string               `json:"activeKey"`
	Counter   int                  `json:"counter"`
	Sessions  map[string]*Terminal `json:"sessions"`
}

// Registry is the durable owner-to-terminals map. Switching terminals
// only mutates this registry; the live session is reconciled lazily at
// the start of the next job.
type Registry struct {
	path        string
	defaultKind string
	resume      *orchestrator.ResumeStore

	mu      sync.Mutex
	users   map[string]*UserRegistry
	pending map[string]string // owner -> handoff note for the next prompt
}

func NewRegistry(path, defaultKind string, resume *orchestrator.ResumeStore) (*Registry, error) {
	r := &Registry{
		path:        path,
		defaultKind: defaultKind,
		resume:      resume,
		users:       make(map[string]*UserRegistry),
		pending:     make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read terminal registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.users); err != nil {
		return nil, fmt.Errorf("parse terminal registry: %w", err)
	}
	return r, nil
}

// save writes the registry via temp-file-then-rename. Caller holds the
// lock.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal terminal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// ensureUser returns owner's registry, creating it with one default
// terminal on first contact. Caller holds the lock.
func (r *Registry) ensureUser(owner string) *UserRegistry {
	if reg, ok := r.users[owner]; ok {
		if reg.Sessions == nil {
			reg.Sessions = make(map[string]*Terminal)
		}
		return reg
	}

	now := time.Now().UTC()
	reg := &UserRegistry{
		ActiveKey: "t1",
		Counter:   1,
		Sessions: map[string]*Terminal{
			"t1": {Orchestrator: r.defaultKind, CreatedAt: now, LastUsed: now},
		},
	}
	r.users[owner] = reg
	return reg
}

// New creates a terminal bound to kind, snapshots the previously
// active terminal's resume state, and makes the new one active.
func (r *Registry) New(owner, kind string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		kind = r.defaultKind
	}

	reg := r.ensureUser(owner)
	r.snapshot(owner, reg, reg.ActiveKey)

	reg.Counter++
	key := fmt.Sprintf("t%d", reg.Counter)
	now := time.Now().UTC()
	reg.Sessions[key] = &Terminal{Orchestrator: kind, CreatedAt: now, LastUsed: now}
	reg.ActiveKey = key

	return key, r.save()
}

// Change makes key the active terminal after snapshotting the current
// one. The live session is untouched until the next job.
func (r *Registry) Change(owner, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	if _, ok := reg.Sessions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if key == reg.ActiveKey {
		return nil
	}

	r.snapshot(owner, reg, reg.ActiveKey)
	reg.ActiveKey = key
	return r.save()
}

func (r *Registry) Rename(owner, key, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	t, ok := reg.Sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.Label = label
	return r.save()
}

// Delete removes a terminal. The active terminal cannot be deleted.
func (r *Registry) Delete(owner, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	if _, ok := reg.Sessions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if key == reg.ActiveKey {
		return ErrActiveTerminal
	}
	delete(reg.Sessions, key)
	return r.save()
}

// Entry describes one terminal for listings.
type Entry struct {
	Key      string
	Active   bool
	Terminal Terminal
}

// List returns owner's terminals sorted by key.
func (r *Registry) List(owner string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	out := make([]Entry, 0, len(reg.Sessions))
	for key, t := range reg.Sessions {
		out = append(out, Entry{Key: key, Active: key == reg.ActiveKey, Terminal: *t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Active returns owner's active terminal key and kind, materializing a
// default terminal on first contact.
func (r *Registry) Active(owner string) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	return reg.ActiveKey, reg.Sessions[reg.ActiveKey].Orchestrator
}

// SetKind rebinds the active terminal to a different orchestrator
// kind, for the orchestrator-switch command.
func (r *Registry) SetKind(owner, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	reg.Sessions[reg.ActiveKey].Orchestrator = kind
	reg.Sessions[reg.ActiveKey].StateData = ""
	return r.save()
}

// EnsureCorrectTerminal reconciles the live session against the active
// terminal at the start of a job. On mismatch it snapshots the live
// terminal's resume state into its own slot and pre-seeds the resume
// store from the target's snapshot; the caller then tears the session
// down so the pool materializes the right one. Returns the active key,
// its kind, and whether the live session must be replaced.
func (r *Registry) EnsureCorrectTerminal(owner string, live *orchestrator.Session) (key, kind string, rebind bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	active := reg.Sessions[reg.ActiveKey]
	key, kind = reg.ActiveKey, active.Orchestrator

	if live != nil && live.TerminalKey == reg.ActiveKey {
		return key, kind, false, nil
	}

	if live != nil {
		r.snapshot(owner, reg, live.TerminalKey)
		rebind = true
	}

	// Pre-seed the resume store so the next session continues the
	// target terminal's conversation, or starts clean.
	if active.StateData != "" {
		err = r.resume.Seed(kind, owner, active.StateData)
	} else {
		err = r.resume.Clear(kind, owner)
	}
	if err != nil {
		return key, kind, rebind, fmt.Errorf("seed resume store: %w", err)
	}

	active.LastUsed = time.Now().UTC()
	if serr := r.save(); serr != nil {
		slog.Error("save terminal registry failed", "owner", owner, "error", serr)
	}
	return key, kind, rebind, nil
}

// Touch refreshes a terminal's snapshot and lastUsed after a completed
// job, keeping slot state current so later seeding never loses
// progress.
func (r *Registry) Touch(owner, key, stateData string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.ensureUser(owner)
	t, ok := reg.Sessions[key]
	if !ok {
		return
	}
	t.LastUsed = time.Now().UTC()
	if stateData != "" {
		t.StateData = stateData
	}
	if err := r.save(); err != nil {
		slog.Error("save terminal registry failed", "owner", owner, "error", err)
	}
}

// snapshot copies the current resume token for the terminal's kind
// into its slot. Caller holds the lock.
func (r *Registry) snapshot(owner string, reg *UserRegistry, key string) {
	t, ok := reg.Sessions[key]
	if !ok {
		return
	}
	st, found, err := r.resume.Get(t.Orchestrator, owner)
	if err != nil {
		slog.Warn("snapshot resume state failed", "owner", owner, "terminal", key, "error", err)
		return
	}
	if found {
		t.StateData = st.ID
	}
}

// SetPendingNote stages a handoff note consumed by the next prompt for
// owner. In-memory only; a restart drops it.
func (r *Registry) SetPendingNote(owner, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[owner] = note
}

// ConsumePendingNote returns and clears owner's staged note.
func (r *Registry) ConsumePendingNote(owner string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	note := r.pending[owner]
	delete(r.pending, owner)
	return note
}
