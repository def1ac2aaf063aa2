package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mkosti/angelia/internal/config"
)

type fakeRunner struct {
	reply    string
	token    string
	err      error
	requests []RunRequest
	block    bool
}

func (r *fakeRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r.requests = append(r.requests, req)
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	token := r.token
	if token == "" {
		token = req.ResumeToken
	}
	return &RunResult{Reply: r.reply, ResumeToken: token}, nil
}

func newTestSession(t *testing.T, runner Runner, policy RetryPolicy) (*Session, *ResumeStore) {
	t.Helper()
	resume, err := NewResumeStore(t.TempDir())
	if err != nil {
		t.Fatalf("create resume store: %v", err)
	}
	s := NewSession(SessionOpts{
		Owner:        "chat-1",
		Kind:         "claude",
		TerminalKey:  "t1",
		KindConfig:   config.KindConfig{Timeout: time.Minute},
		Runner:       runner,
		Resume:       resume,
		Policy:       policy,
		SystemPrompt: "You are a helpful assistant.",
	})
	return s, resume
}

func TestResumeStoreRoundTrip(t *testing.T) {
	rs, err := NewResumeStore(t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok, _ := rs.Get("claude", "chat-1"); ok {
		t.Fatal("expected empty store")
	}
	if err := rs.Set("claude", "chat-1", "sess-abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, ok, err := rs.Get("claude", "chat-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if st.ID != "sess-abc" || st.Primed {
		t.Errorf("unexpected state %+v", st)
	}

	// Kinds are isolated files.
	if _, ok, _ := rs.Get("codex", "chat-1"); ok {
		t.Error("expected no entry under other kind")
	}

	if err := rs.Seed("codex", "chat-1", "snap-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	st, ok, _ = rs.Get("codex", "chat-1")
	if !ok || !st.Primed {
		t.Errorf("expected primed seed, got %+v ok=%v", st, ok)
	}

	if err := rs.Clear("claude", "chat-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := rs.Get("claude", "chat-1"); ok {
		t.Error("expected entry cleared")
	}
	if err := rs.Clear("claude", "nobody"); err != nil {
		t.Errorf("clearing missing entry should be a no-op: %v", err)
	}
}

func TestFreshInvocationCarriesSystemPrompt(t *testing.T) {
	runner := &fakeRunner{reply: "hello there", token: "sess-1"}
	s, resume := newTestSession(t, runner, nil)

	reply, err := s.Execute(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if reply != "hello there" {
		t.Errorf("unexpected reply %q", reply)
	}
	if len(runner.requests) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runner.requests))
	}
	req := runner.requests[0]
	if req.ResumeToken != "" {
		t.Error("fresh invocation should not carry a resume token")
	}
	if req.SystemPrompt == "" {
		t.Error("fresh invocation should carry the system preamble")
	}

	// New token persisted for (owner, kind).
	st, ok, err := resume.Get("claude", "chat-1")
	if err != nil || !ok {
		t.Fatalf("expected persisted token: ok=%v err=%v", ok, err)
	}
	if st.ID != "sess-1" {
		t.Errorf("expected sess-1, got %q", st.ID)
	}
}

func TestResumedInvocationLoadsTokenLazily(t *testing.T) {
	runner := &fakeRunner{reply: "continuing"}
	s, resume := newTestSession(t, runner, nil)

	if err := resume.Set("claude", "chat-1", "sess-old"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(context.Background(), "where were we", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	req := runner.requests[0]
	if req.ResumeToken != "sess-old" {
		t.Errorf("expected resumed token sess-old, got %q", req.ResumeToken)
	}
	if req.SystemPrompt != "" {
		t.Error("resumed invocation should not repeat the system preamble")
	}
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	resume, _ := NewResumeStore(t.TempDir())
	s := NewSession(SessionOpts{
		Owner:      "chat-1",
		Kind:       "claude",
		KindConfig: config.KindConfig{Timeout: 20 * time.Millisecond},
		Runner:     runner,
		Resume:     resume,
	})

	_, err := s.Execute(context.Background(), "slow question", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("expected session back to idle after timeout, got %s", s.State())
	}
}

func TestProcessErrorLeavesTokenUntouched(t *testing.T) {
	runner := &fakeRunner{err: &ProcessError{Kind: "claude", Err: errors.New("exit status 1")}}
	s, resume := newTestSession(t, runner, nil)
	if err := resume.Set("claude", "chat-1", "sess-old"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Execute(context.Background(), "hello", nil)
	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle after failure, got %s", s.State())
	}

	st, ok, _ := resume.Get("claude", "chat-1")
	if !ok || st.ID != "sess-old" {
		t.Errorf("resume token should be untouched, got %+v ok=%v", st, ok)
	}
}

func TestLowValueRetryOnResumedSession(t *testing.T) {
	runner := &fakeRunner{reply: "ok."}
	s, resume := newTestSession(t, runner, DefaultRetryPolicy())
	if err := resume.Set("claude", "chat-1", "sess-old"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(context.Background(), "please summarize our whole discussion so far", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("expected correction retry, got %d runs", len(runner.requests))
	}
	if !strings.Contains(runner.requests[1].Prompt, "complete") {
		t.Errorf("expected correction prompt, got %q", runner.requests[1].Prompt)
	}
}

func TestNoRetryOnFreshSession(t *testing.T) {
	runner := &fakeRunner{reply: "ok.", token: "sess-1"}
	s, _ := newTestSession(t, runner, DefaultRetryPolicy())

	if _, err := s.Execute(context.Background(), "please summarize our whole discussion so far", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(runner.requests) != 1 {
		t.Errorf("fresh sessions never retry, got %d runs", len(runner.requests))
	}
}

func TestReplyCap(t *testing.T) {
	long := strings.Repeat("a", 100)
	runner := &fakeRunner{reply: long, token: "sess-1"}
	resume, _ := NewResumeStore(t.TempDir())
	s := NewSession(SessionOpts{
		Owner:       "chat-1",
		Kind:        "claude",
		KindConfig:  config.KindConfig{Timeout: time.Minute},
		Runner:      runner,
		Resume:      resume,
		MaxReplyLen: 50,
	})

	reply, err := s.Execute(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(reply, "[reply truncated]") {
		t.Errorf("expected truncation marker, got %q", reply)
	}
	if len(reply) > 50+len("\n[reply truncated]") {
		t.Errorf("reply not capped: %d chars", len(reply))
	}
}

func TestKilledSessionRefusesExecute(t *testing.T) {
	runner := &fakeRunner{reply: "x"}
	s, _ := newTestSession(t, runner, nil)
	s.Kill(StateKilled)

	if _, err := s.Execute(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected error executing on killed session")
	}
	if len(runner.requests) != 0 {
		t.Error("killed session must not spawn a process")
	}
}

func TestPhraseListPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	longPrompt := "please write a detailed comparison of the two options"

	tests := []struct {
		name   string
		prompt string
		reply  string
		want   bool
	}{
		{"filler ack", longPrompt, "Ok.", true},
		{"filler with punctuation", longPrompt, "got it!", true},
		{"empty reply", longPrompt, "   ", true},
		{"substantive reply", longPrompt, "Option A is faster but option B is cheaper to run.", false},
		{"short prompt never triggers", "hi", "ok", false},
		{"long reply never low value", longPrompt, strings.Repeat("word ", 20), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsLowValue(tt.prompt, tt.reply); got != tt.want {
				t.Errorf("IsLowValue(%q, %q) = %v, want %v", tt.prompt, tt.reply, got, tt.want)
			}
		})
	}
}
