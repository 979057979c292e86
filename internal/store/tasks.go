package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schedule kinds and task statuses.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"

	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"

	TaskStatusActive = "active"
	TaskStatusPaused = "paused"
)

// Task is a scheduled future agent invocation.
type Task struct {
	ID            string
	GroupFolder   string
	ChannelID     string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       string // canonical timestamp, empty when unscheduled
	CreatedAt     string
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(t Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChannelID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, nullIfEmpty(t.NextRun), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks for a group folder, or all tasks when folder is
// empty.
func (s *Store) ListTasks(groupFolder string) ([]Task, error) {
	query := `SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at FROM tasks`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now string) ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`,
		TaskStatusActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ClaimTask atomically advances a due task's next_run, guarding the
// dispatch against double-firing: the update only succeeds while next_run
// still holds the observed value. Returns false when another pass already
// claimed the task.
func (s *Store) ClaimTask(id, observedNextRun, newNextRun string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET next_run = ? WHERE id = ? AND next_run = ? AND status = ?`,
		newNextRun, id, observedNextRun, TaskStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimOnceTask atomically deletes a due one-shot task, which both marks it
// fired and guarantees at-most-once dispatch across crashes.
func (s *Store) ClaimOnceTask(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ? AND status = ?`, id, TaskStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to claim once task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetTaskStatus pauses or resumes a task.
func (s *Store) SetTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskNextRun rewrites a task's next_run, used when resuming a paused
// task.
func (s *Store) SetTaskNextRun(id, nextRun string) error {
	_, err := s.db.Exec(`UPDATE tasks SET next_run = ? WHERE id = ?`, nullIfEmpty(nextRun), id)
	if err != nil {
		return fmt.Errorf("failed to update task next_run: %w", err)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var nextRun sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChannelID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.NextRun = nextRun.String
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
