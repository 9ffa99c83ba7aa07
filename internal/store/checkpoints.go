package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCheckpoint returns the stored value for a key, or "" when absent.
func (s *Store) GetCheckpoint(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM checkpoints WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting checkpoint: %w", err)
	}
	return value, nil
}

// SetCheckpoint stores a key/value checkpoint.
func (s *Store) SetCheckpoint(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO checkpoints (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("setting checkpoint: %w", err)
	}
	return nil
}

// MarkMessageProcessed inserts the (channel, ts) pair into the
// idempotency set. Returns true iff the pair was newly inserted; the
// return value is the dedup decision.
func (s *Store) MarkMessageProcessed(channelID, messageTS string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR IGNORE INTO processed_messages (channel_id, message_ts, processed_at) VALUES (?, ?, ?)`
	result, err := s.db.Exec(query, channelID, messageTS, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("marking message processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return rows == 1, nil
}
