package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
)

// ErrCapacity is returned when the pool is full and every session is
// busy, so none can be evicted. Surfaced to the user as retry-later.
var ErrCapacity = errors.New("session pool at capacity, no idle session to evict")

// Factory materializes a session for a chat. The dispatcher wires it
// so the pool stays free of terminal and kind resolution.
type Factory func(chatID string) (*orchestrator.Session, error)

// Pool is the bounded chatID to session map. Creation evicts the
// globally oldest idle session when full; a periodic sweep removes
// sessions idle past the configured timeout.
type Pool struct {
	mu            sync.Mutex
	sessions      map[string]*orchestrator.Session
	factory       Factory
	max           int
	idleTimeout   time.Duration
	sweepInterval time.Duration
}

func New(cfg config.PoolConfig, factory Factory) *Pool {
	return &Pool{
		sessions:      make(map[string]*orchestrator.Session),
		factory:       factory,
		max:           cfg.MaxSessions,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
	}
}

// Get returns the live session for chatID, or nil.
func (p *Pool) Get(chatID string) *orchestrator.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[chatID]
}

// GetOrCreate returns the existing session or materializes a new one,
// evicting the oldest idle session if the pool is full.
func (p *Pool) GetOrCreate(chatID string) (*orchestrator.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[chatID]; ok {
		return s, nil
	}

	if len(p.sessions) >= p.max {
		victim := p.oldestIdle()
		if victim == "" {
			return nil, ErrCapacity
		}
		s := p.sessions[victim]
		s.Kill(orchestrator.StateKilled)
		delete(p.sessions, victim)
		slog.Info("evicted idle session", "chat", victim, "kind", s.Kind, "last_activity", s.LastActivity())
	}

	s, err := p.factory(chatID)
	if err != nil {
		return nil, err
	}
	p.sessions[chatID] = s
	slog.Info("session created", "chat", chatID, "kind", s.Kind, "terminal", s.TerminalKey)
	return s, nil
}

// oldestIdle picks the eviction victim: the idle session with the
// oldest lastActivity. Caller holds the lock.
func (p *Pool) oldestIdle() string {
	var victim string
	var oldest time.Time
	for chatID, s := range p.sessions {
		if !s.Idle() {
			continue
		}
		if victim == "" || s.LastActivity().Before(oldest) {
			victim = chatID
			oldest = s.LastActivity()
		}
	}
	return victim
}

// End kills the session for chatID and removes it. Returns false if no
// session was live.
func (p *Pool) End(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[chatID]
	if !ok {
		return false
	}
	s.Kill(orchestrator.StateKilled)
	delete(p.sessions, chatID)
	slog.Info("session ended", "chat", chatID, "kind", s.Kind)
	return true
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// List returns a snapshot of the live sessions, for status queries.
func (p *Pool) List() []*orchestrator.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*orchestrator.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Run drives the idle-timeout sweep until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for chatID, s := range p.sessions {
		if !s.Idle() || now.Sub(s.LastActivity()) <= p.idleTimeout {
			continue
		}
		s.Kill(orchestrator.StateTimeout)
		delete(p.sessions, chatID)
		slog.Info("session timed out", "chat", chatID, "kind", s.Kind, "idle", now.Sub(s.LastActivity()))
	}
}
