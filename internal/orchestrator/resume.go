package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ResumeState is the persisted continuation handle for one owner under
// one orchestrator kind. Primed marks a token seeded from a terminal
// snapshot rather than issued by the agent process itself.
type ResumeState struct {
	ID        string    `json:"id"`
	Primed    bool      `json:"primed,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResumeStore keeps one JSON map per orchestrator kind on disk,
// owner -> ResumeState. It is the only session state that survives a
// process restart.
type ResumeStore struct {
	dir string
	mu  sync.Mutex
}

func NewResumeStore(dir string) (*ResumeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resume dir: %w", err)
	}
	return &ResumeStore{dir: dir}, nil
}

func (s *ResumeStore) path(kind string) string {
	return filepath.Join(s.dir, "resume-"+kind+".json")
}

func (s *ResumeStore) load(kind string) (map[string]ResumeState, error) {
	data, err := os.ReadFile(s.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]ResumeState), nil
		}
		return nil, fmt.Errorf("read resume map: %w", err)
	}

	states := make(map[string]ResumeState)
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse resume map %s: %w", kind, err)
	}
	return states, nil
}

func (s *ResumeStore) save(kind string, states map[string]ResumeState) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume map: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".resume-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write resume map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(kind)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace resume map: %w", err)
	}
	return nil
}

// Get returns the persisted state for owner under kind, if any.
func (s *ResumeStore) Get(kind, owner string) (ResumeState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load(kind)
	if err != nil {
		return ResumeState{}, false, err
	}
	st, ok := states[owner]
	return st, ok, nil
}

// Set records a token issued by the agent process.
func (s *ResumeStore) Set(kind, owner, id string) error {
	return s.put(kind, owner, ResumeState{ID: id, UpdatedAt: time.Now().UTC()})
}

// Seed pre-loads a token restored from a terminal snapshot, so the next
// session for owner resumes that conversation.
func (s *ResumeStore) Seed(kind, owner, id string) error {
	return s.put(kind, owner, ResumeState{ID: id, Primed: true, UpdatedAt: time.Now().UTC()})
}

func (s *ResumeStore) put(kind, owner string, st ResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load(kind)
	if err != nil {
		return err
	}
	states[owner] = st
	return s.save(kind, states)
}

// Clear removes owner's entry under kind. Clearing a missing entry is a
// no-op.
func (s *ResumeStore) Clear(kind, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load(kind)
	if err != nil {
		return err
	}
	if _, ok := states[owner]; !ok {
		return nil
	}
	delete(states, owner)
	return s.save(kind, states)
}
