package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkosti/angelia/internal/config"
)

type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateExecuting SessionState = "executing"
	StateKilled    SessionState = "killed"
	StateTimeout   SessionState = "timeout"
)

// ErrTimeout is returned when an execution exceeds the kind's timeout.
// The process is killed and the session returns to idle.
var ErrTimeout = errors.New("agent execution timed out")

// SessionOpts carries the collaborators a session needs. Runner and
// Resume are required; Policy may be nil to disable the low-value
// retry.
type SessionOpts struct {
	Owner        string
	Kind         string
	TerminalKey  string
	KindConfig   config.KindConfig
	Runner       Runner
	Resume       *ResumeStore
	Policy       RetryPolicy
	SystemPrompt string
	MaxReplyLen  int
	WorkDir      string
	Env          []string
}

// Session wraps one external agent conversation. The process itself is
// per-execution; what persists between executions is the resume token,
// loaded lazily on first use and written back whenever the process
// issues a new one. Executions are serialized per chat by the dispatch
// queue; the mutex guards the activity fields that the pool sweep and
// the dashboard read from other goroutines.
type Session struct {
	ID          string
	Owner       string
	Kind        string
	TerminalKey string
	CreatedAt   time.Time

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	messageCount int

	cfg          config.KindConfig
	runner       Runner
	resume       *ResumeStore
	policy       RetryPolicy
	systemPrompt string
	maxReplyLen  int
	workDir      string
	env          []string

	resumeLoaded bool
	resumeToken  string
}

func NewSession(opts SessionOpts) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		Owner:        opts.Owner,
		Kind:         opts.Kind,
		TerminalKey:  opts.TerminalKey,
		state:        StateIdle,
		CreatedAt:    now,
		lastActivity: now,
		cfg:          opts.KindConfig,
		runner:       opts.Runner,
		resume:       opts.Resume,
		policy:       opts.Policy,
		systemPrompt: opts.SystemPrompt,
		maxReplyLen:  opts.MaxReplyLen,
		workDir:      opts.WorkDir,
		env:          opts.Env,
	}
}

// Execute runs one prompt through the agent process and returns the
// final assistant message. Serialized per chat by the dispatch queue.
func (s *Session) Execute(ctx context.Context, prompt string, attachments []string) (string, error) {
	s.mu.Lock()
	if s.state == StateKilled || s.state == StateTimeout {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("session %s is %s", s.ID, state)
	}
	s.state = StateExecuting
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateExecuting {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	if !s.resumeLoaded {
		st, ok, err := s.resume.Get(s.Kind, s.Owner)
		if err != nil {
			slog.Warn("load resume token failed, starting fresh", "owner", s.Owner, "kind", s.Kind, "error", err)
		} else if ok {
			s.resumeToken = st.ID
		}
		s.resumeLoaded = true
	}
	resumed := s.resumeToken != ""

	reply, err := s.run(ctx, prompt, attachments)
	if err != nil {
		return "", err
	}

	if resumed && s.policy != nil && s.policy.IsLowValue(prompt, reply) {
		slog.Info("low-value reply, retrying with correction", "owner", s.Owner, "kind", s.Kind)
		corrected, rerr := s.run(ctx, s.policy.CorrectionPrompt(), nil)
		if rerr != nil {
			slog.Warn("correction retry failed, keeping original reply", "owner", s.Owner, "error", rerr)
		} else if corrected != "" {
			reply = corrected
		}
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.messageCount++
	s.mu.Unlock()
	return s.capReply(reply), nil
}

func (s *Session) run(ctx context.Context, prompt string, attachments []string) (string, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := RunRequest{
		Kind:        s.Kind,
		Command:     s.cfg.Command,
		Model:       s.cfg.Model,
		Prompt:      prompt,
		ResumeToken: s.resumeToken,
		Attachments: attachments,
		WorkDir:     s.workDir,
		Env:         s.env,
	}
	if s.resumeToken == "" {
		req.SystemPrompt = s.systemPrompt
	}

	res, err := s.runner.Run(runCtx, req)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", err
	}

	if res.ResumeToken != "" && res.ResumeToken != s.resumeToken {
		s.resumeToken = res.ResumeToken
		if err := s.resume.Set(s.Kind, s.Owner, res.ResumeToken); err != nil {
			slog.Error("persist resume token failed", "owner", s.Owner, "kind", s.Kind, "error", err)
		}
	}
	return res.Reply, nil
}

// ResumeToken returns the current continuation handle, for terminal
// snapshots. Empty until a process has issued one or a seed was loaded.
func (s *Session) ResumeToken() string {
	if !s.resumeLoaded {
		st, ok, err := s.resume.Get(s.Kind, s.Owner)
		if err == nil && ok {
			s.resumeToken = st.ID
		}
		s.resumeLoaded = true
	}
	return s.resumeToken
}

// Kill marks the session dead. StateKilled for explicit teardown,
// StateTimeout for the idle sweep. Any in-flight execution is already
// bounded by its own context.
func (s *Session) Kill(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Idle() bool {
	return s.State() == StateIdle
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// Touch records activity at t. The pool uses it to order evictions.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

func (s *Session) capReply(reply string) string {
	if s.maxReplyLen <= 0 || len(reply) <= s.maxReplyLen {
		return reply
	}
	runes := []rune(reply)
	if len(runes) <= s.maxReplyLen {
		return reply
	}
	return strings.TrimSpace(string(runes[:s.maxReplyLen])) + "\n[reply truncated]"
}
