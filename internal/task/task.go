// Package task defines the task model shared by the decider, queue,
// executor and orchestrator: specs, statuses, payload encoding and the
// deterministic task ID derivation.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusWaitingApproval  Status = "waiting_approval"
	StatusRunning          Status = "running"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
	StatusAbortedOnRestart Status = "aborted_on_restart"
)

// IsTerminal reports whether a task in this status can never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusAbortedOnRestart:
		return true
	}
	return false
}

// Spec is the immutable description of a runnable task, derived from a
// Slack command message by the decider.
type Spec struct {
	TaskID      string   `json:"-"`
	ChannelID   string   `json:"channel_id"`
	MessageTS   string   `json:"message_ts"`
	ThreadTS    string   `json:"thread_ts"`
	TriggerUser string   `json:"trigger_user"`
	TriggerText string   `json:"trigger_text"`
	CommandText string   `json:"command_text"`
	LockKey     string   `json:"lock_key"`
	ImagePaths  []string `json:"image_paths"`
}

// Record is a persisted task row. Timestamps are unix milliseconds.
type Record struct {
	TaskID    string
	Status    Status
	Payload   string // JSON-encoded Spec
	CreatedAt int64
	UpdatedAt int64
}

// Result is the outcome of executing a task.
type Result struct {
	Status  Status
	Summary string
	Details string
}

// BuildID derives the deterministic task ID: the first 16 hex digits of
// SHA-256 over "channel_id:message_ts:raw_text". Replays of the same
// message collapse onto one task.
func BuildID(channelID, messageTS, rawText string) string {
	sum := sha256.Sum256([]byte(channelID + ":" + messageTS + ":" + rawText))
	return hex.EncodeToString(sum[:])[:16]
}

// EncodePayload serializes the spec for storage.
func EncodePayload(spec Spec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encoding task payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload rebuilds a spec from a stored payload. The thread ts falls
// back to the message ts when absent, matching the decider's derivation.
func DecodePayload(taskID, payload string) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return Spec{}, fmt.Errorf("decoding task payload: %w", err)
	}
	if spec.ChannelID == "" || spec.MessageTS == "" {
		return Spec{}, fmt.Errorf("task payload missing channel or ts")
	}
	spec.TaskID = taskID
	if spec.ThreadTS == "" {
		spec.ThreadTS = spec.MessageTS
	}
	return spec, nil
}
