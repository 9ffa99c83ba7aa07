package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ApprovalStatus is the lifecycle state of a reaction approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a persisted reaction-approval record for one task.
type Approval struct {
	TaskID            string
	ChannelID         string
	SourceMessageTS   string
	ApprovalMessageTS string
	ApproveReaction   string
	RejectReaction    string
	Status            ApprovalStatus
	DecidedBy         string
	DecisionReaction  string
	CreatedAt         int64
	UpdatedAt         int64
}

const approvalColumns = `
	task_id, channel_id, source_message_ts, approval_message_ts,
	approve_reaction, reject_reaction, status, decided_by,
	decision_reaction, created_at, updated_at`

// UpsertTaskApproval records a pending approval for the task.
func (s *Store) UpsertTaskApproval(a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	query := `
	INSERT INTO task_approvals (
		task_id, channel_id, source_message_ts, approval_message_ts,
		approve_reaction, reject_reaction, status, decided_by,
		decision_reaction, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		channel_id = excluded.channel_id,
		source_message_ts = excluded.source_message_ts,
		approval_message_ts = excluded.approval_message_ts,
		approve_reaction = excluded.approve_reaction,
		reject_reaction = excluded.reject_reaction,
		status = excluded.status,
		decided_by = excluded.decided_by,
		decision_reaction = excluded.decision_reaction,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		a.TaskID, a.ChannelID, a.SourceMessageTS, a.ApprovalMessageTS,
		a.ApproveReaction, a.RejectReaction, string(a.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting task approval: %w", err)
	}
	return nil
}

// GetTaskApproval retrieves the approval record for a task, or nil.
func (s *Store) GetTaskApproval(taskID string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT`+approvalColumns+` FROM task_approvals WHERE task_id = ?`, taskID)
	return scanApproval(row)
}

// GetPendingApprovalForMessage resolves an incoming reaction to the
// pending approval it targets. Reactions may land on either the source
// command message or the posted plan message.
func (s *Store) GetPendingApprovalForMessage(channelID, messageTS string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
	SELECT`+approvalColumns+`
	FROM task_approvals
	WHERE channel_id = ?
	  AND status = ?
	  AND (source_message_ts = ? OR approval_message_ts = ?)
	ORDER BY created_at ASC
	LIMIT 1
	`, channelID, string(ApprovalPending), messageTS, messageTS)
	return scanApproval(row)
}

// ResolveTaskApproval performs the pending→{approved,rejected} CAS. Only
// the first resolver wins; re-reactions after resolution are no-ops.
func (s *Store) ResolveTaskApproval(taskID string, status ApprovalStatus, decidedBy, decisionReaction string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE task_approvals
	SET status = ?, decided_by = ?, decision_reaction = ?, updated_at = ?
	WHERE task_id = ? AND status = ?
	`
	result, err := s.db.Exec(query,
		string(status), decidedBy, decisionReaction, time.Now().UnixMilli(),
		taskID, string(ApprovalPending),
	)
	if err != nil {
		return false, fmt.Errorf("resolving task approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return rows == 1, nil
}

func scanApproval(row *sql.Row) (*Approval, error) {
	a := &Approval{}
	var status string
	err := row.Scan(
		&a.TaskID, &a.ChannelID, &a.SourceMessageTS, &a.ApprovalMessageTS,
		&a.ApproveReaction, &a.RejectReaction, &status, &a.DecidedBy,
		&a.DecisionReaction, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning approval: %w", err)
	}
	a.Status = ApprovalStatus(status)
	return a, nil
}
