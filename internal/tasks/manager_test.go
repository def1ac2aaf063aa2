package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
	"github.com/mkosti/angelia/internal/store"
)

type stubRunner struct {
	reply string
	err   error
	delay time.Duration
}

func (r *stubRunner) Run(ctx context.Context, _ orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &orchestrator.RunResult{Reply: r.reply}, nil
}

func newTestManager(t *testing.T, runner orchestrator.Runner, maxPerOwner int, timeout time.Duration) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	runners := orchestrator.Runners{"claude": runner}
	orch := config.OrchestratorConfig{
		DefaultKind: "claude",
		Kinds: map[string]config.KindConfig{
			"claude": {Protocol: "claude", Timeout: time.Minute},
		},
	}
	m := NewManager(s, runners, orch, config.TasksConfig{MaxPerOwner: maxPerOwner, Timeout: timeout})
	return m, s
}

func waitForTask(t *testing.T, done <-chan *store.BackgroundTask) *store.BackgroundTask {
	t.Helper()
	select {
	case task := <-done:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
		return nil
	}
}

func TestTaskLifecycle(t *testing.T) {
	m, s := newTestManager(t, &stubRunner{reply: "research summary"}, 3, time.Minute)

	done := make(chan *store.BackgroundTask, 1)
	task := m.Start(StartRequest{
		Owner:       "chat-1",
		Description: "research",
		Prompt:      "investigate the thing",
		OnComplete:  func(task *store.BackgroundTask) { done <- task },
	})
	if task == nil {
		t.Fatal("expected task to start")
	}

	// Persisted as running before the subprocess finishes.
	saved, err := s.GetBackgroundTask(task.ID)
	if err != nil || saved == nil {
		t.Fatalf("expected persisted record: %v", err)
	}

	final := waitForTask(t, done)
	if final.Status != store.TaskCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.Result != "research summary" {
		t.Errorf("unexpected result %q", final.Result)
	}

	saved, _ = s.GetBackgroundTask(task.ID)
	if saved.Status != store.TaskCompleted || saved.CompletedAt == nil {
		t.Errorf("terminal state not persisted: %+v", saved)
	}
}

func TestPerOwnerCap(t *testing.T) {
	m, s := newTestManager(t, &stubRunner{reply: "x", delay: time.Hour}, 2, time.Hour)

	done := func(*store.BackgroundTask) {}
	if m.Start(StartRequest{Owner: "chat-1", Prompt: "a", OnComplete: done}) == nil {
		t.Fatal("first task should start")
	}
	if m.Start(StartRequest{Owner: "chat-1", Prompt: "b", OnComplete: done}) == nil {
		t.Fatal("second task should start")
	}

	// At cap: silent nil, no new record.
	before, _ := s.CountRunningTasks("chat-1")
	if m.Start(StartRequest{Owner: "chat-1", Prompt: "c", OnComplete: done}) != nil {
		t.Fatal("expected nil at cap")
	}
	after, _ := s.CountRunningTasks("chat-1")
	if before != 2 || after != 2 {
		t.Errorf("expected running count to stay 2, got %d -> %d", before, after)
	}

	// Other owners are unaffected.
	if m.Start(StartRequest{Owner: "chat-2", Prompt: "d", OnComplete: done}) == nil {
		t.Error("cap is per owner")
	}
}

func TestTaskTimeout(t *testing.T) {
	m, _ := newTestManager(t, &stubRunner{delay: time.Hour}, 3, 30*time.Millisecond)

	done := make(chan *store.BackgroundTask, 1)
	task := m.Start(StartRequest{
		Owner:      "chat-1",
		Prompt:     "never finishes",
		OnComplete: func(task *store.BackgroundTask) { done <- task },
	})
	if task == nil {
		t.Fatal("expected task to start")
	}

	final := waitForTask(t, done)
	if final.Status != store.TaskTimeout {
		t.Errorf("expected timeout, got %s", final.Status)
	}
	if final.Error == "" {
		t.Error("expected timeout error message")
	}
}

func TestTaskFailure(t *testing.T) {
	m, _ := newTestManager(t, &stubRunner{err: errors.New("exit status 1")}, 3, time.Minute)

	done := make(chan *store.BackgroundTask, 1)
	m.Start(StartRequest{
		Owner:      "chat-1",
		Prompt:     "doomed",
		OnComplete: func(task *store.BackgroundTask) { done <- task },
	})

	final := waitForTask(t, done)
	if final.Status != store.TaskFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "exit status 1") {
		t.Errorf("expected process error, got %q", final.Error)
	}
}

func TestCancel(t *testing.T) {
	m, _ := newTestManager(t, &stubRunner{delay: time.Hour}, 3, time.Hour)

	done := make(chan *store.BackgroundTask, 1)
	task := m.Start(StartRequest{
		Owner:      "chat-1",
		Prompt:     "long job",
		OnComplete: func(task *store.BackgroundTask) { done <- task },
	})
	if task == nil {
		t.Fatal("expected task to start")
	}

	if !m.Cancel(task.ID) {
		t.Fatal("expected cancel to find the task")
	}
	final := waitForTask(t, done)
	if final.Status != store.TaskCancelled {
		t.Errorf("expected cancelled, got %s", final.Status)
	}

	if m.Cancel(task.ID) {
		t.Error("cancelling a finished task should return false")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	m, s := newTestManager(t, &stubRunner{reply: "x"}, 3, time.Minute)

	if m.Start(StartRequest{Owner: "chat-1", Prompt: "p", Kind: "bogus"}) != nil {
		t.Fatal("expected nil for unknown kind")
	}
	if n, _ := s.CountRunningTasks("chat-1"); n != 0 {
		t.Errorf("no record should be persisted, got %d running", n)
	}
}

func TestExtractPlan(t *testing.T) {
	reply := `I'll look into that in the background.
<task>{"description": "deep dive", "prompt": "analyze the logs thoroughly"}</task>
Meanwhile, here's what I know now.`

	plan, remaining, ok := ExtractPlan(reply)
	if !ok {
		t.Fatal("expected a plan")
	}
	if plan.Description != "deep dive" || plan.Prompt != "analyze the logs thoroughly" {
		t.Errorf("unexpected plan %+v", plan)
	}
	if strings.Contains(remaining, "<task>") {
		t.Errorf("block should be removed, got %q", remaining)
	}
	if !strings.Contains(remaining, "Meanwhile") {
		t.Errorf("surrounding text should survive, got %q", remaining)
	}
}

func TestExtractPlanEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  bool
	}{
		{"no block", "just a reply", false},
		{"unterminated", "<task>{\"prompt\": \"x\"}", false},
		{"malformed json", "<task>not json</task>", false},
		{"missing prompt", `<task>{"description": "d"}</task>`, false},
		{"valid minimal", `<task>{"prompt": "do it"}</task>`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, _, ok := ExtractPlan(tt.reply)
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && plan.Description == "" {
				t.Error("description should default to the prompt's first line")
			}
		})
	}
}
