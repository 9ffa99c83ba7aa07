package store

import "fmt"

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_messages (
		channel_id TEXT NOT NULL,
		message_ts TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, message_ts)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS execution_locks (
		lock_key TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_approvals (
		task_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		source_message_ts TEXT NOT NULL,
		approval_message_ts TEXT NOT NULL,
		approve_reaction TEXT NOT NULL,
		reject_reaction TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		decision_reaction TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_approvals_lookup
		ON task_approvals(channel_id, status, source_message_ts, approval_message_ts);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		channel_id TEXT NOT NULL,
		thread_ts TEXT NOT NULL,
		agent TEXT NOT NULL,
		session_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, thread_ts, agent)
	);

	CREATE TABLE IF NOT EXISTS thread_context (
		channel_id TEXT NOT NULL,
		thread_ts TEXT NOT NULL,
		context TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, thread_ts)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}
