// Package approval gates task execution behind reaction-based human
// approval. It evaluates whether a task needs a human decision, posts the
// plan message and records the pending approval.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/slackclaw/slackclaw/internal/config"
	"github.com/slackclaw/slackclaw/internal/store"
	"github.com/slackclaw/slackclaw/internal/task"
)

// messagePoster is the Slack slice used to post plan messages.
type messagePoster interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string, blocks []slack.Block) (string, error)
}

// approvalStore persists approval records.
type approvalStore interface {
	UpsertTaskApproval(a *store.Approval) error
}

// Manager decides and requests approvals.
type Manager struct {
	cfg    *config.Config
	store  approvalStore
	poster messagePoster
	logger zerolog.Logger
}

// NewManager builds an approval manager.
func NewManager(cfg *config.Config, st approvalStore, poster messagePoster, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		poster: poster,
		logger: logger.With().Str("component", "approval").Logger(),
	}
}

// Evaluate reports whether the task must wait for approval and why.
// In none mode nothing is gated. In reaction mode shell commands run
// unapproved only when every segment is allowlisted; agent and no-op
// commands always wait.
func (m *Manager) Evaluate(cmd task.Command) (bool, string) {
	if m.cfg.ApprovalMode != config.ApprovalReaction {
		return false, ""
	}
	shell, ok := cmd.(task.ShellCommand)
	if !ok {
		return true, ""
	}
	disallowed := DisallowedShellCommands(shell.Cmd, m.cfg.ShellAllowlistSet())
	if len(disallowed) == 0 {
		return false, ""
	}
	return true, "non-allowlisted shell command(s): " + strings.Join(disallowed, ", ")
}

// PlanText renders the plan message posted into the command thread.
func (m *Manager) PlanText(spec *task.Spec, reason string) string {
	lines := []string{
		fmt.Sprintf("SlackClaw plan for task `%s`", spec.TaskID),
		fmt.Sprintf("command: `%s`", spec.CommandText),
		fmt.Sprintf("lock: `%s`", spec.LockKey),
	}
	if reason != "" {
		lines = append(lines, "reason: "+reason)
	}
	if len(spec.ImagePaths) > 0 {
		lines = append(lines, fmt.Sprintf("images: %d downloaded attachment(s)", len(spec.ImagePaths)))
	}
	lines = append(lines, fmt.Sprintf(
		"React with :%s: to run or :%s: to cancel.",
		m.cfg.ApproveReaction, m.cfg.RejectReaction,
	))
	return strings.Join(lines, "\n")
}

// Request posts the plan into the source thread and records a pending
// approval keyed by both the source and the plan message ts. Returns the
// plan text so a failed post can still be reported.
func (m *Manager) Request(ctx context.Context, spec *task.Spec, reason string) (string, error) {
	planText := m.PlanText(spec, reason)
	approvalTS, err := m.poster.PostMessage(ctx, spec.ChannelID, planText, spec.ThreadTS, nil)
	if err != nil {
		return planText, fmt.Errorf("posting approval plan: %w", err)
	}
	if approvalTS == "" {
		approvalTS = spec.MessageTS
	}
	err = m.store.UpsertTaskApproval(&store.Approval{
		TaskID:            spec.TaskID,
		ChannelID:         spec.ChannelID,
		SourceMessageTS:   spec.MessageTS,
		ApprovalMessageTS: approvalTS,
		ApproveReaction:   m.cfg.ApproveReaction,
		RejectReaction:    m.cfg.RejectReaction,
		Status:            store.ApprovalPending,
	})
	if err != nil {
		return planText, fmt.Errorf("recording approval: %w", err)
	}
	m.logger.Info().
		Str("task_id", spec.TaskID).
		Str("approval_ts", approvalTS).
		Msg("approval requested")
	return planText, nil
}
