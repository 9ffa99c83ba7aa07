package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetAgentSession returns the persisted session ID for one agent on one
// thread, or "" when none exists.
func (s *Store) GetAgentSession(channelID, threadTS, agent string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessionID string
	err := s.db.QueryRow(`
	SELECT session_id FROM agent_sessions
	WHERE channel_id = ? AND thread_ts = ? AND agent = ?
	LIMIT 1
	`, channelID, threadTS, agent).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting agent session: %w", err)
	}
	return sessionID, nil
}

// UpsertAgentSession stores the session ID for (channel, thread, agent).
func (s *Store) UpsertAgentSession(channelID, threadTS, agent, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO agent_sessions (channel_id, thread_ts, agent, session_id, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(channel_id, thread_ts, agent) DO UPDATE SET
		session_id = excluded.session_id,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, channelID, threadTS, agent, sessionID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upserting agent session: %w", err)
	}
	return nil
}

// GetThreadContext returns the rolling context log for a thread, or "".
func (s *Store) GetThreadContext(channelID, threadTS string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var context string
	err := s.db.QueryRow(`
	SELECT context FROM thread_context
	WHERE channel_id = ? AND thread_ts = ?
	LIMIT 1
	`, channelID, threadTS).Scan(&context)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting thread context: %w", err)
	}
	return context, nil
}

// AppendThreadContext appends an entry to the thread's rolling log inside
// a single immediate transaction, keeping only the last maxChars
// characters. The transaction serializes concurrent appends from parallel
// workers.
func (s *Store) AppendThreadContext(channelID, threadTS, entry string, maxChars int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning thread context txn: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`
	SELECT context FROM thread_context
	WHERE channel_id = ? AND thread_ts = ?
	LIMIT 1
	`, channelID, threadTS).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading thread context: %w", err)
	}

	merged := entry
	if existing != "" {
		merged = existing + "\n\n" + entry
	}
	if maxChars > 0 {
		if runes := []rune(merged); len(runes) > maxChars {
			merged = string(runes[len(runes)-maxChars:])
		}
	}

	_, err = tx.Exec(`
	INSERT INTO thread_context (channel_id, thread_ts, context, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(channel_id, thread_ts) DO UPDATE SET
		context = excluded.context,
		updated_at = excluded.updated_at
	`, channelID, threadTS, merged, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing thread context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread context: %w", err)
	}
	return nil
}
