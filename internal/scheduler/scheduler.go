// Package scheduler fires scheduled prompts as background tasks. It
// polls the store for due entries, hands each one to the task manager
// and computes the next run from the task's schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/outbox"
	"github.com/mkosti/angelia/internal/schedule"
	"github.com/mkosti/angelia/internal/store"
	"github.com/mkosti/angelia/internal/tasks"
)

// EventPublisher receives scheduler lifecycle events. Nil disables
// event publishing.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

type Scheduler struct {
	store        *store.Store
	tasks        *tasks.Manager
	outbox       *outbox.Store
	pollInterval time.Duration
	events       EventPublisher
	reloadCh     chan struct{}
}

func New(s *store.Store, tm *tasks.Manager, ob *outbox.Store, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		tasks:        tm,
		outbox:       ob,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) SetEvents(p EventPublisher) {
	s.events = p
}

// UpdateConfig changes the poll interval and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueScheduledTasks(time.Now())
	if err != nil {
		slog.Error("failed to get due scheduled tasks", "error", err)
		return
	}

	for _, task := range due {
		s.fire(task)
	}
}

// fire hands a due entry to the task manager. The background task runs
// asynchronously; lastStatus records whether the spawn was accepted,
// not the task outcome. Results reach the owner through the outbox.
func (s *Scheduler) fire(task store.ScheduledTask) {
	slog.Info("firing scheduled task", "id", task.ID, "name", task.Name, "owner", task.Owner)

	bt := s.tasks.Start(tasks.StartRequest{
		Owner:       task.Owner,
		Description: task.Name,
		Prompt:      task.Prompt,
		Kind:        task.Kind,
		OnComplete:  s.deliverResult(task),
	})

	var lastStatus, lastError string
	if bt == nil {
		lastStatus = "skipped"
		lastError = "task manager refused spawn"
		slog.Warn("scheduled task skipped", "id", task.ID, "name", task.Name)
	} else {
		lastStatus = "started"
	}

	nextRun := schedule.NextRun(task.Schedule)

	if err := s.store.UpdateScheduledTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update scheduled task run", "id", task.ID, "error", err)
	}

	s.publishFired(task, lastStatus)

	if nextRun == nil {
		slog.Info("no next run, completing scheduled task", "id", task.ID, "name", task.Name)
		if err := s.store.UpdateScheduledTaskStatus(task.ID, "completed"); err != nil {
			slog.Error("failed to complete scheduled task", "id", task.ID, "error", err)
		}
	}
}

// deliverResult writes the finished task's result to the outbox so the
// chat transport picks it up with normal retry handling.
func (s *Scheduler) deliverResult(task store.ScheduledTask) func(*store.BackgroundTask) {
	return func(bt *store.BackgroundTask) {
		e := &outbox.Envelope{
			ChatID: bt.Owner,
			Kind:   bt.Kind,
			Meta:   map[string]any{"scheduledTaskId": task.ID, "scheduledTaskName": task.Name},
		}
		if bt.Status == store.TaskCompleted {
			e.Type = outbox.TypeFinal
			e.Text = "Scheduled task \"" + task.Name + "\" finished:\n" + bt.Result
		} else {
			e.Type = outbox.TypeError
			e.Text = "Scheduled task \"" + task.Name + "\" " + bt.Status
			if bt.Error != "" {
				e.Text += ": " + bt.Error
			}
		}
		if _, err := s.outbox.Write(e); err != nil {
			slog.Error("failed to write scheduled task result", "id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishFired(task store.ScheduledTask, status string) {
	if s.events == nil {
		return
	}
	publishTaskEvent(s.events, task, status)
}
