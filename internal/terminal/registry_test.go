package terminal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
)

func newTestRegistry(t *testing.T) (*Registry, *orchestrator.ResumeStore) {
	t.Helper()
	dir := t.TempDir()
	resume, err := orchestrator.NewResumeStore(filepath.Join(dir, "resume"))
	if err != nil {
		t.Fatalf("create resume store: %v", err)
	}
	r, err := NewRegistry(filepath.Join(dir, "registry.json"), "claude", resume)
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}
	return r, resume
}

func liveSession(owner, kind, terminalKey string, resume *orchestrator.ResumeStore) *orchestrator.Session {
	return orchestrator.NewSession(orchestrator.SessionOpts{
		Owner:       owner,
		Kind:        kind,
		TerminalKey: terminalKey,
		KindConfig:  config.KindConfig{Timeout: time.Minute},
		Resume:      resume,
	})
}

func TestFirstContactCreatesDefaultTerminal(t *testing.T) {
	r, _ := newTestRegistry(t)

	key, kind := r.Active("user-1")
	if key != "t1" || kind != "claude" {
		t.Errorf("expected t1/claude, got %s/%s", key, kind)
	}

	entries := r.List("user-1")
	if len(entries) != 1 || !entries[0].Active {
		t.Errorf("expected one active terminal, got %+v", entries)
	}
}

func TestNewTerminalSnapshotsPrevious(t *testing.T) {
	r, resume := newTestRegistry(t)

	r.Active("user-1") // materialize t1
	if err := resume.Set("claude", "user-1", "sess-t1"); err != nil {
		t.Fatal(err)
	}

	key, err := r.New("user-1", "codex")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if key != "t2" {
		t.Errorf("expected t2, got %s", key)
	}

	activeKey, kind := r.Active("user-1")
	if activeKey != "t2" || kind != "codex" {
		t.Errorf("expected t2/codex active, got %s/%s", activeKey, kind)
	}

	for _, e := range r.List("user-1") {
		if e.Key == "t1" && e.Terminal.StateData != "sess-t1" {
			t.Errorf("expected t1 snapshot sess-t1, got %q", e.Terminal.StateData)
		}
	}
}

func TestChangeIsLazy(t *testing.T) {
	r, resume := newTestRegistry(t)

	r.Active("user-1")
	if _, err := r.New("user-1", "claude"); err != nil { // t2, now active
		t.Fatal(err)
	}

	live := liveSession("user-1", "claude", "t2", resume)

	// Switch back to t1: registry mutates, live session untouched.
	if err := r.Change("user-1", "t1"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if live.TerminalKey != "t2" {
		t.Error("change must not touch the live session")
	}
	if live.State() != orchestrator.StateIdle {
		t.Error("change must not kill the live session")
	}

	// Next job reconciles: mismatch detected, rebind requested.
	key, kind, rebind, err := r.EnsureCorrectTerminal("user-1", live)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rebind {
		t.Error("expected rebind on terminal mismatch")
	}
	if key != "t1" || kind != "claude" {
		t.Errorf("expected t1/claude, got %s/%s", key, kind)
	}
}

func TestReconcileSeedsTargetSnapshot(t *testing.T) {
	r, resume := newTestRegistry(t)

	r.Active("user-1")
	if err := resume.Set("claude", "user-1", "sess-t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.New("user-1", "claude"); err != nil { // snapshots t1, t2 active
		t.Fatal(err)
	}
	if err := resume.Set("claude", "user-1", "sess-t2"); err != nil {
		t.Fatal(err)
	}

	live := liveSession("user-1", "claude", "t2", resume)
	if err := r.Change("user-1", "t1"); err != nil {
		t.Fatal(err)
	}

	_, _, rebind, err := r.EnsureCorrectTerminal("user-1", live)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rebind {
		t.Fatal("expected rebind")
	}

	// t1's snapshot now seeds the resume store.
	st, ok, _ := resume.Get("claude", "user-1")
	if !ok || st.ID != "sess-t1" {
		t.Errorf("expected store seeded with sess-t1, got %+v ok=%v", st, ok)
	}
	if !st.Primed {
		t.Error("seeded state should be marked primed")
	}

	// t2's slot holds its own progress for a later return.
	for _, e := range r.List("user-1") {
		if e.Key == "t2" && e.Terminal.StateData != "sess-t2" {
			t.Errorf("expected t2 snapshot sess-t2, got %q", e.Terminal.StateData)
		}
	}
}

func TestReconcileClearsStoreForFreshTerminal(t *testing.T) {
	r, resume := newTestRegistry(t)

	r.Active("user-1")
	if err := resume.Set("claude", "user-1", "sess-t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.New("user-1", "claude"); err != nil { // t2, no snapshot yet
		t.Fatal(err)
	}

	live := liveSession("user-1", "claude", "t1", resume)
	_, _, rebind, err := r.EnsureCorrectTerminal("user-1", live)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rebind {
		t.Fatal("expected rebind")
	}

	if _, ok, _ := resume.Get("claude", "user-1"); ok {
		t.Error("expected resume store cleared for a fresh terminal")
	}
}

func TestReconcileNoopWhenAligned(t *testing.T) {
	r, resume := newTestRegistry(t)

	r.Active("user-1")
	live := liveSession("user-1", "claude", "t1", resume)

	key, kind, rebind, err := r.EnsureCorrectTerminal("user-1", live)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rebind {
		t.Error("aligned session must not be rebound")
	}
	if key != "t1" || kind != "claude" {
		t.Errorf("unexpected %s/%s", key, kind)
	}
}

func TestDeleteActiveForbidden(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Active("user-1")
	if err := r.Delete("user-1", "t1"); !errors.Is(err, ErrActiveTerminal) {
		t.Fatalf("expected ErrActiveTerminal, got %v", err)
	}

	if _, err := r.New("user-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("user-1", "t1"); err != nil {
		t.Fatalf("deleting inactive terminal: %v", err)
	}
	if err := r.Delete("user-1", "t9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRename(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Active("user-1")
	if err := r.Rename("user-1", "t1", "work"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	entries := r.List("user-1")
	if entries[0].Terminal.Label != "work" {
		t.Errorf("expected label work, got %q", entries[0].Terminal.Label)
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	resume, _ := orchestrator.NewResumeStore(filepath.Join(dir, "resume"))
	path := filepath.Join(dir, "registry.json")

	r, err := NewRegistry(path, "claude", resume)
	if err != nil {
		t.Fatal(err)
	}
	r.Active("user-1")
	if _, err := r.New("user-1", "codex"); err != nil {
		t.Fatal(err)
	}
	if err := r.Rename("user-1", "t2", "research"); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry(path, "claude", resume)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	key, kind := r2.Active("user-1")
	if key != "t2" || kind != "codex" {
		t.Errorf("expected t2/codex after reload, got %s/%s", key, kind)
	}
	entries := r2.List("user-1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 terminals after reload, got %d", len(entries))
	}
}

func TestPendingNoteConsumedOnce(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.SetPendingNote("user-1", "handoff context")
	if got := r.ConsumePendingNote("user-1"); got != "handoff context" {
		t.Errorf("expected note, got %q", got)
	}
	if got := r.ConsumePendingNote("user-1"); got != "" {
		t.Errorf("expected note consumed, got %q", got)
	}
}
