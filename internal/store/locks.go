package store

import (
	"fmt"
	"time"
)

// AcquireExecutionLock grants the lock iff no row exists for lock_key.
// Insert-if-absent is the arbiter; the lock row records the owning task.
func (s *Store) AcquireExecutionLock(lockKey, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR IGNORE INTO execution_locks (lock_key, task_id, acquired_at) VALUES (?, ?, ?)`
	result, err := s.db.Exec(query, lockKey, taskID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring execution lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReleaseExecutionLock deletes the lock only when held by the given task.
// An owner-matched delete keeps a slow worker from releasing a lock that
// was reclaimed by someone else.
func (s *Store) ReleaseExecutionLock(lockKey, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM execution_locks WHERE lock_key = ? AND task_id = ?`
	if _, err := s.db.Exec(query, lockKey, taskID); err != nil {
		return fmt.Errorf("releasing execution lock: %w", err)
	}
	return nil
}

// ReleaseTerminalLocks deletes every lock whose owning task is in a
// terminal state. Run after the restart sweep so locks held by crashed
// workers (whose tasks became aborted_on_restart) do not block their
// lock_key forever.
func (s *Store) ReleaseTerminalLocks() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	DELETE FROM execution_locks
	WHERE task_id IN (
		SELECT task_id FROM tasks
		WHERE status IN ('succeeded', 'failed', 'canceled', 'aborted_on_restart')
	)
	`
	result, err := s.db.Exec(query)
	if err != nil {
		return 0, fmt.Errorf("releasing terminal locks: %w", err)
	}
	return result.RowsAffected()
}
