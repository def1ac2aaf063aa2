package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
	"github.com/mkosti/angelia/internal/store"
)

// StartRequest describes a detached agent run. OnComplete is invoked
// exactly once with the task in a terminal status; it is responsible
// for getting the result to the user, normally via the outbox, since
// the task has no handle to the chat transport.
type StartRequest struct {
	Owner       string
	Description string
	Prompt      string
	Kind        string
	Attachments []string
	OnComplete  func(task *store.BackgroundTask)
}

// Manager runs background tasks outside the dispatch queue. Each task
// is persisted before its subprocess spawns, so a restart can mark
// orphans interrupted instead of losing them.
type Manager struct {
	store       *store.Store
	runners     orchestrator.Runners
	kinds       map[string]config.KindConfig
	defaultKind string
	maxPerOwner int
	timeout     time.Duration
	env         []string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewManager(s *store.Store, runners orchestrator.Runners, orch config.OrchestratorConfig, cfg config.TasksConfig) *Manager {
	return &Manager{
		store:       s,
		runners:     runners,
		kinds:       orch.Kinds,
		defaultKind: orch.DefaultKind,
		maxPerOwner: cfg.MaxPerOwner,
		timeout:     cfg.Timeout,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// SetEnv sets the environment passed to task subprocesses.
func (m *Manager) SetEnv(env []string) {
	m.env = env
}

// Recover marks tasks left running by a previous process as
// interrupted. Their subprocesses are gone and their results are
// unknowable. Call once at startup.
func (m *Manager) Recover() (int64, error) {
	n, err := m.store.MarkInterrupted()
	if err != nil {
		return 0, fmt.Errorf("mark interrupted tasks: %w", err)
	}
	if n > 0 {
		slog.Warn("marked orphaned background tasks interrupted", "count", n)
	}
	return n, nil
}

// Start spawns a detached task, or returns nil when the owner is at
// the running cap or the record cannot be persisted. Callers fall back
// to a foreground reply on nil.
func (m *Manager) Start(req StartRequest) *store.BackgroundTask {
	running, err := m.store.CountRunningTasks(req.Owner)
	if err != nil {
		slog.Error("count running tasks failed", "owner", req.Owner, "error", err)
		return nil
	}
	if running >= m.maxPerOwner {
		slog.Info("background task cap reached", "owner", req.Owner, "running", running)
		return nil
	}

	kind := req.Kind
	if kind == "" {
		kind = m.defaultKind
	}
	kindCfg, ok := m.kinds[kind]
	if !ok {
		slog.Error("unknown orchestrator kind for task", "kind", kind)
		return nil
	}
	runner, ok := m.runners.For(protocol(kindCfg))
	if !ok {
		slog.Error("no runner for protocol", "protocol", kindCfg.Protocol)
		return nil
	}

	task := &store.BackgroundTask{
		ID:          uuid.New().String(),
		Owner:       req.Owner,
		Description: req.Description,
		Prompt:      req.Prompt,
		Kind:        kind,
		Status:      store.TaskRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.SaveBackgroundTask(task); err != nil {
		slog.Error("persist background task failed", "owner", req.Owner, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	go m.run(ctx, task, kindCfg, runner, req)

	slog.Info("background task started", "id", task.ID, "owner", req.Owner, "kind", kind)
	return task
}

func (m *Manager) run(ctx context.Context, task *store.BackgroundTask, kindCfg config.KindConfig, runner orchestrator.Runner, req StartRequest) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[task.ID]; ok {
			cancel()
			delete(m.cancels, task.ID)
		}
		m.mu.Unlock()
	}()

	res, err := runner.Run(ctx, orchestrator.RunRequest{
		Kind:        task.Kind,
		Command:     kindCfg.Command,
		Model:       kindCfg.Model,
		Prompt:      req.Prompt,
		Attachments: req.Attachments,
		Env:         m.env,
	})

	switch {
	case err == nil:
		task.Status = store.TaskCompleted
		task.Result = res.Reply
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		task.Status = store.TaskTimeout
		task.Error = fmt.Sprintf("task exceeded %s", m.timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		task.Status = store.TaskCancelled
		task.Error = "cancelled"
	default:
		task.Status = store.TaskFailed
		task.Error = err.Error()
	}
	now := time.Now().UTC()
	task.CompletedAt = &now

	if err := m.store.CompleteBackgroundTask(task.ID, task.Status, task.Result, task.Error); err != nil {
		slog.Error("persist task result failed", "id", task.ID, "error", err)
	}
	slog.Info("background task finished", "id", task.ID, "status", task.Status)

	if req.OnComplete != nil {
		req.OnComplete(task)
	}
}

// Cancel stops a running task. The run loop records the cancelled
// status and fires OnComplete as usual.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, ok := m.cancels[id]
	if !ok {
		return false
	}
	cancel()
	return true
}

// List returns the owner's most recent tasks for the status command.
func (m *Manager) List(owner string, limit int) ([]store.BackgroundTask, error) {
	return m.store.ListBackgroundTasks(owner, limit)
}

func protocol(kc config.KindConfig) string {
	if kc.Protocol != "" {
		return kc.Protocol
	}
	return "claude"
}
