package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BackgroundTask status machine: running -> completed | failed | timeout |
// cancelled. "interrupted" is assigned on startup to any task left running
// by a previous process; its subprocess is gone and the result unknowable.
const (
	TaskRunning     = "running"
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskTimeout     = "timeout"
	TaskCancelled   = "cancelled"
	TaskInterrupted = "interrupted"
)

type BackgroundTask struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Description string     `json:"description"`
	Prompt      string     `json:"prompt"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Store) SaveBackgroundTask(t *BackgroundTask) error {
	_, err := s.db.Exec(`
		INSERT INTO background_tasks (id, owner, description, prompt, kind, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status`,
		t.ID, t.Owner, t.Description, t.Prompt, t.Kind, t.Status)
	if err != nil {
		return fmt.Errorf("save background task: %w", err)
	}
	return nil
}

func (s *Store) CompleteBackgroundTask(id, status, result, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE background_tasks
		SET status = ?, result = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("complete background task: %w", err)
	}
	return nil
}

func (s *Store) GetBackgroundTask(id string) (*BackgroundTask, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, description, prompt, kind, status, result, error, created_at, completed_at
		FROM background_tasks WHERE id = ?`, id)
	t, err := scanBackgroundTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get background task: %w", err)
	}
	return t, nil
}

func (s *Store) ListBackgroundTasks(owner string, limit int) ([]BackgroundTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, owner, description, prompt, kind, status, result, error, created_at, completed_at
		FROM background_tasks
		WHERE owner = ?
		ORDER BY created_at DESC
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list background tasks: %w", err)
	}
	defer rows.Close()

	var tasks []BackgroundTask
	for rows.Next() {
		t, err := scanBackgroundTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan background task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) ListRecentBackgroundTasks(limit int) ([]BackgroundTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, owner, description, prompt, kind, status, result, error, created_at, completed_at
		FROM background_tasks
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent background tasks: %w", err)
	}
	defer rows.Close()

	var tasks []BackgroundTask
	for rows.Next() {
		t, err := scanBackgroundTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan background task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountRunningTasks(owner string) (int, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM background_tasks WHERE owner = ? AND status = ?`,
		owner, TaskRunning)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

// MarkInterrupted flags every task still recorded as running. Called once
// on startup: any such task belonged to a previous process and its
// subprocess no longer exists.
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE background_tasks
		SET status = ?, completed_at = CURRENT_TIMESTAMP
		WHERE status = ?`,
		TaskInterrupted, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanBackgroundTask(scanner interface {
	Scan(dest ...any) error
}) (*BackgroundTask, error) {
	t := &BackgroundTask{}
	var result, errMsg *string
	err := scanner.Scan(&t.ID, &t.Owner, &t.Description, &t.Prompt, &t.Kind, &t.Status,
		&result, &errMsg, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if result != nil {
		t.Result = *result
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	return t, nil
}
