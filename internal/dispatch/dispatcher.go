package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
	"github.com/mkosti/angelia/internal/outbox"
	"github.com/mkosti/angelia/internal/pool"
	"github.com/mkosti/angelia/internal/schedule"
	"github.com/mkosti/angelia/internal/store"
	"github.com/mkosti/angelia/internal/tasks"
	"github.com/mkosti/angelia/internal/terminal"
)

// Transport is the chat send primitive the dispatcher answers on.
type Transport interface {
	Deliver(ctx context.Context, chatID, text string) error
}

// EventPublisher receives fire-and-forget bus events. May be nil.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// Dispatcher owns the per-chat queues and the message pipeline:
// reconcile terminal, acquire session, execute, route the reply. Jobs
// for one chat are strictly serialized; chats are independent.
type Dispatcher struct {
	cfg       config.OrchestratorConfig
	pool      *pool.Pool
	terminals *terminal.Registry
	resume    *orchestrator.ResumeStore
	tasks     *tasks.Manager
	outbox    *outbox.Store
	store     *store.Store
	transport Transport
	events    EventPublisher

	mu     sync.Mutex
	queues map[string]*chatQueue
}

func NewDispatcher(cfg config.OrchestratorConfig, p *pool.Pool, reg *terminal.Registry, resume *orchestrator.ResumeStore, tm *tasks.Manager, ob *outbox.Store, s *store.Store, transport Transport) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		pool:      p,
		terminals: reg,
		resume:    resume,
		tasks:     tm,
		outbox:    ob,
		store:     s,
		transport: transport,
		queues:    make(map[string]*chatQueue),
	}
}

// SetEvents attaches an optional event publisher for the dashboard.
func (d *Dispatcher) SetEvents(events EventPublisher) {
	d.events = events
}

// SetTransport attaches the chat transport. The transport is usually
// constructed after the dispatcher since it also consumes it, so the
// wiring sets it here before any job runs.
func (d *Dispatcher) SetTransport(t Transport) {
	d.transport = t
}

// NewSessionFactory builds the pool factory: resolve the active
// terminal's kind for the chat and materialize a session for it.
func NewSessionFactory(cfg config.OrchestratorConfig, reg *terminal.Registry, runners orchestrator.Runners, resume *orchestrator.ResumeStore, policy orchestrator.RetryPolicy, workDir string, env []string) pool.Factory {
	return func(chatID string) (*orchestrator.Session, error) {
		key, kind := reg.Active(chatID)
		kindCfg, ok := cfg.Kinds[kind]
		if !ok {
			return nil, fmt.Errorf("unknown orchestrator kind: %s", kind)
		}
		runner, ok := runners.For(protocolFor(kindCfg))
		if !ok {
			return nil, fmt.Errorf("no runner for protocol: %s", kindCfg.Protocol)
		}
		return orchestrator.NewSession(orchestrator.SessionOpts{
			Owner:        chatID,
			Kind:         kind,
			TerminalKey:  key,
			KindConfig:   kindCfg,
			Runner:       runner,
			Resume:       resume,
			Policy:       policy,
			SystemPrompt: cfg.SystemPreamble,
			MaxReplyLen:  cfg.MaxReplyLen,
			WorkDir:      workDir,
			Env:          env,
		}), nil
	}
}

func protocolFor(kc config.KindConfig) string {
	if kc.Protocol != "" {
		return kc.Protocol
	}
	return "claude"
}

// Enqueue adds a foreground job for chatID and kicks the chat's run
// loop if idle.
func (d *Dispatcher) Enqueue(ctx context.Context, chatID, text string, attachments []string) {
	d.enqueue(ctx, Job{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now(),
		ChatID:      chatID,
		Text:        text,
		Attachments: attachments,
		ReplyVia:    ReplyForeground,
	})
}

// EnqueueOutbox adds a job whose reply is written to the outbox
// instead of the transport. Used by scheduler-originated prompts.
func (d *Dispatcher) EnqueueOutbox(ctx context.Context, chatID, text string) {
	d.enqueue(ctx, Job{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		ChatID:    chatID,
		Text:      text,
		ReplyVia:  ReplyOutbox,
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, job Job) {
	if err := d.store.Append(job.ChatID, job.Text, store.DirectionIncoming); err != nil {
		slog.Error("append incoming message failed", "chat", job.ChatID, "error", err)
	}
	d.publishEvent("events.chat."+job.ChatID, map[string]any{
		"type": "message", "chat": job.ChatID, "direction": "incoming",
	})

	q := d.getQueue(job.ChatID)
	q.Enqueue(job)
	go d.processChat(ctx, job.ChatID)
}

func (d *Dispatcher) getQueue(chatID string) *chatQueue {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[chatID]
	if !ok {
		q = newChatQueue(chatID)
		d.queues[chatID] = q
	}
	return q
}

// QueueLen reports a chat's backlog, for status queries.
func (d *Dispatcher) QueueLen(chatID string) int {
	return d.getQueue(chatID).Len()
}

func (d *Dispatcher) processChat(ctx context.Context, chatID string) {
	q := d.getQueue(chatID)

	for {
		if !q.TryLock() {
			return // another runner is draining this chat
		}

		for {
			job, ok := q.Dequeue()
			if !ok {
				break
			}
			if err := d.processJob(ctx, job); err != nil {
				slog.Error("job failed", "chat", chatID, "job", job.ID, "error", err)
				d.replyError(ctx, job, err)
			}
		}

		q.Unlock()

		// A job enqueued between the last empty Dequeue and the
		// Unlock lost its TryLock to this drain and would sit until
		// the chat's next message. Re-check the backlog once the
		// lock is released.
		if q.Len() == 0 {
			return
		}
	}
}

func (d *Dispatcher) processJob(ctx context.Context, job Job) error {
	key, _, rebind, err := d.terminals.EnsureCorrectTerminal(job.ChatID, d.pool.Get(job.ChatID))
	if err != nil {
		return fmt.Errorf("reconcile terminal: %w", err)
	}
	if rebind {
		d.pool.End(job.ChatID)
	}

	sess, err := d.pool.GetOrCreate(job.ChatID)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	prompt := job.Text
	if note := d.terminals.ConsumePendingNote(job.ChatID); note != "" {
		prompt = note + "\n\n" + prompt
	}

	reply, err := sess.Execute(ctx, prompt, job.Attachments)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	reply = d.maybeStartTask(job, sess.Kind, reply)
	d.terminals.Touch(job.ChatID, key, sess.ResumeToken())

	return d.reply(ctx, job, sess.Kind, reply)
}

// maybeStartTask detaches a background run when the agent embedded a
// plan block. On cap or start failure the full reply stays foreground.
func (d *Dispatcher) maybeStartTask(job Job, kind, reply string) string {
	plan, remaining, ok := tasks.ExtractPlan(reply)
	if !ok {
		return reply
	}

	chatID := job.ChatID
	if plan.Schedule != "" {
		return d.scheduleTask(chatID, plan, remaining)
	}
	task := d.tasks.Start(tasks.StartRequest{
		Owner:       chatID,
		Description: plan.Description,
		Prompt:      plan.Prompt,
		Kind:        plan.Kind,
		OnComplete: func(t *store.BackgroundTask) {
			d.deliverTaskResult(chatID, t)
		},
	})
	if task == nil {
		return reply
	}

	d.publishEvent("events.task."+task.ID, map[string]any{
		"type": "task_started", "chat": chatID, "description": task.Description,
	})

	if remaining == "" {
		return fmt.Sprintf("Started background task: %s", task.Description)
	}
	return remaining
}

// scheduleTask persists a recurring plan; the scheduler fires it when
// due. The agent's remaining text stays foreground.
func (d *Dispatcher) scheduleTask(chatID string, plan *tasks.Plan, remaining string) string {
	normalized, err := schedule.Normalize(plan.Schedule)
	if err != nil {
		slog.Warn("rejected plan schedule", "chat", chatID, "schedule", plan.Schedule, "error", err)
		return remaining
	}
	next := schedule.NextRun(normalized)
	if next == nil {
		return remaining
	}

	kind := plan.Kind
	if kind == "" {
		kind = d.cfg.DefaultKind
	}
	st := &store.ScheduledTask{
		ID:        uuid.New().String(),
		Owner:     chatID,
		Name:      plan.Description,
		Schedule:  normalized,
		Prompt:    plan.Prompt,
		Kind:      kind,
		Status:    "active",
		NextRunAt: next,
	}
	if err := d.store.SaveScheduledTask(st); err != nil {
		slog.Error("save scheduled task failed", "chat", chatID, "error", err)
		return remaining
	}

	confirmation := fmt.Sprintf("Scheduled %q (%s).", st.Name, schedule.Format(normalized))
	if remaining == "" {
		return confirmation
	}
	return remaining + "\n\n" + confirmation
}

// deliverTaskResult is the OnComplete hook: the detached run's only
// path back to the user is an outbox envelope.
func (d *Dispatcher) deliverTaskResult(chatID string, t *store.BackgroundTask) {
	env := &outbox.Envelope{
		ChatID:    chatID,
		RequestID: t.ID,
		Kind:      t.Kind,
	}
	switch t.Status {
	case store.TaskCompleted:
		env.Type = outbox.TypeFinal
		env.Text = t.Result
	case store.TaskTimeout:
		env.Type = outbox.TypeError
		env.Text = fmt.Sprintf("Background task %q timed out.", t.Description)
	case store.TaskCancelled:
		env.Type = outbox.TypeInfo
		env.Text = fmt.Sprintf("Background task %q was cancelled.", t.Description)
	default:
		env.Type = outbox.TypeError
		env.Text = fmt.Sprintf("Background task %q failed: %s", t.Description, t.Error)
	}

	if _, err := d.outbox.Write(env); err != nil {
		slog.Error("write task result to outbox failed", "chat", chatID, "task", t.ID, "error", err)
	}
	d.publishEvent("events.task."+t.ID, map[string]any{
		"type": "task_finished", "chat": chatID, "status": t.Status,
	})
}

func (d *Dispatcher) reply(ctx context.Context, job Job, kind, text string) error {
	if text == "" {
		text = "(no reply)"
	}

	if job.ReplyVia == ReplyOutbox {
		_, err := d.outbox.Write(&outbox.Envelope{
			ChatID:    job.ChatID,
			RequestID: job.ID,
			Kind:      kind,
			Type:      outbox.TypeFinal,
			Text:      text,
		})
		if err != nil {
			return fmt.Errorf("write reply envelope: %w", err)
		}
		return nil
	}

	if err := d.transport.Deliver(ctx, job.ChatID, text); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	if err := d.store.Append(job.ChatID, text, store.DirectionOutgoing); err != nil {
		slog.Error("append outgoing message failed", "chat", job.ChatID, "error", err)
	}
	d.publishEvent("events.chat."+job.ChatID, map[string]any{
		"type": "message", "chat": job.ChatID, "direction": "outgoing",
	})
	return nil
}

// replyError converts a job failure into a user-visible message. The
// queue itself never stops.
func (d *Dispatcher) replyError(ctx context.Context, job Job, err error) {
	text := userMessage(err)
	if job.ReplyVia == ReplyOutbox {
		_, werr := d.outbox.Write(&outbox.Envelope{
			ChatID:    job.ChatID,
			RequestID: job.ID,
			Type:      outbox.TypeError,
			Text:      text,
		})
		if werr != nil {
			slog.Error("write error envelope failed", "chat", job.ChatID, "error", werr)
		}
		return
	}
	if derr := d.transport.Deliver(ctx, job.ChatID, text); derr != nil {
		slog.Error("deliver error reply failed", "chat", job.ChatID, "error", derr)
	}
}

func userMessage(err error) string {
	var perr *orchestrator.ProcessError
	switch {
	case errors.Is(err, pool.ErrCapacity):
		return "All agent sessions are busy right now. Please try again in a moment."
	case errors.Is(err, orchestrator.ErrTimeout):
		return "The agent took too long and was stopped. Try a smaller request."
	case errors.As(err, &perr):
		return "The agent process failed. Please try again."
	default:
		return "Something went wrong processing your message."
	}
}

func (d *Dispatcher) publishEvent(subject string, payload map[string]any) {
	if d.events == nil {
		return
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := d.events.Publish(subject, data); err != nil {
		slog.Debug("publish event failed", "subject", subject, "error", err)
	}
}
