package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/slackclaw/slackclaw/internal/task"
)

// UpsertTask inserts or replaces a task record. The created_at of an
// existing row is preserved.
func (s *Store) UpsertTask(taskID string, status task.Status, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	query := `
	INSERT INTO tasks (task_id, status, payload, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		status = excluded.status,
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, taskID, string(status), payload, now, now); err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

// UpdateTaskStatus sets the task status unconditionally.
func (s *Store) UpdateTaskStatus(taskID string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`
	if _, err := s.db.Exec(query, string(status), time.Now().UnixMilli(), taskID); err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return nil
}

// TransitionTaskStatus performs a compare-and-swap on the task status.
// The UPDATE's row count is the arbiter: true means this caller's
// transition applied; at most one caller wins per (from, to) edge.
func (s *Store) TransitionTaskStatus(taskID string, from, to task.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`
	result, err := s.db.Exec(query, string(to), time.Now().UnixMilli(), taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning task status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetTask retrieves a task record, or nil when absent.
func (s *Store) GetTask(taskID string) (*task.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := &task.Record{}
	var status string
	query := `SELECT task_id, status, payload, created_at, updated_at FROM tasks WHERE task_id = ?`
	err := s.db.QueryRow(query, taskID).Scan(
		&record.TaskID, &status, &record.Payload, &record.CreatedAt, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	record.Status = task.Status(status)
	return record, nil
}

// TaskExists reports whether a record with this ID exists.
func (s *Store) TaskExists(taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tasks WHERE task_id = ? LIMIT 1`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking task existence: %w", err)
	}
	return true, nil
}

// ListTasksByStatus returns all task records in the given status, oldest
// first. Used to rehydrate the queue from persisted pending tasks.
func (s *Store) ListTasksByStatus(status task.Status) ([]*task.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT task_id, status, payload, created_at, updated_at FROM tasks WHERE status = ? ORDER BY created_at ASC`
	rows, err := s.db.Query(query, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var records []*task.Record
	for rows.Next() {
		record := &task.Record{}
		var raw string
		if err := rows.Scan(&record.TaskID, &raw, &record.Payload, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		record.Status = task.Status(raw)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return records, nil
}

// MarkRunningTasksAborted rewrites every running task to
// aborted_on_restart. Called once at startup; any task still marked
// running belonged to a crashed process.
func (s *Store) MarkRunningTasksAborted() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`
	result, err := s.db.Exec(query,
		string(task.StatusAbortedOnRestart), time.Now().UnixMilli(), string(task.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("aborting running tasks: %w", err)
	}
	return result.RowsAffected()
}
