package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledTask is a recurring or one-off prompt that the scheduler hands
// to the background task manager when due.
type ScheduledTask struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Prompt     string     `json:"prompt"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanScheduledTask(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var lastStatus, lastError *string
	err := scanner.Scan(&t.ID, &t.Owner, &t.Name, &t.Schedule, &t.Prompt, &t.Kind, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		t.LastStatus = *lastStatus
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

func (s *Store) SaveScheduledTask(t *ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, owner, name, schedule, prompt, kind, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			kind = excluded.kind,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Owner, t.Name, t.Schedule, t.Prompt, t.Kind, t.Status, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("save scheduled task: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, name, schedule, prompt, kind, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanScheduledTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

func (s *Store) ListScheduledTasks() ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, owner, name, schedule, prompt, kind, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetDueScheduledTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, owner, name, schedule, prompt, kind, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateScheduledTaskRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduledTaskStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteScheduledTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}
