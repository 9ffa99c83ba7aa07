package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/slackclaw/slackclaw/internal/decider"
	"github.com/slackclaw/slackclaw/internal/events"
	"github.com/slackclaw/slackclaw/internal/listener"
	"github.com/slackclaw/slackclaw/internal/store"
	"github.com/slackclaw/slackclaw/internal/task"
)

// processCommandMessage runs one channel message through dedup, the
// decider, attachment download and the approval gate. Returns 1 when a
// task was enqueued this cycle, 0 otherwise.
func (o *Orchestrator) processCommandMessage(ctx context.Context, msg listener.Message) int {
	newlySeen, err := o.store.MarkMessageProcessed(msg.ChannelID, msg.TS)
	if err != nil {
		o.logger.Error().Err(err).Str("ts", msg.TS).Msg("marking message processed failed")
		return 0
	}
	if !newlySeen {
		o.metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return 0
	}
	o.metrics.MessagesTotal.WithLabelValues("new").Inc()

	decision := decider.Decide(o.cfg, msg)
	if !decision.ShouldRun {
		o.metrics.MessagesTotal.WithLabelValues("ignored").Inc()
		o.logger.Debug().Str("ts", msg.TS).Str("reason", decision.Reason).Msg("message ignored")
		return 0
	}
	spec := decision.Task

	exists, err := o.store.TaskExists(spec.TaskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("checking task existence failed")
		return 0
	}
	if exists {
		o.logger.Debug().Str("task_id", spec.TaskID).Msg("task already known, skipping")
		return 0
	}
	o.metrics.MessagesTotal.WithLabelValues("task").Inc()

	imagePaths, err := o.attachments.Materialize(ctx, spec.TaskID, msg.Files)
	if err != nil {
		o.failBeforeExecution(ctx, spec, task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("failed to prepare image attachments: %v", err),
			Details: spec.CommandText,
		})
		o.emitter.Emit(events.TaskImagePrepareFailed).
			Str("task_id", spec.TaskID).
			Str("error", err.Error()).
			Send()
		return 0
	}
	if len(imagePaths) > 0 {
		spec.ImagePaths = imagePaths
		o.emitter.Emit(events.TaskImagesPrepared).
			Str("task_id", spec.TaskID).
			Int("count", len(imagePaths)).
			Send()
	}

	payload, err := task.EncodePayload(*spec)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("encoding task payload failed")
		return 0
	}

	needsApproval, reason := o.approvals.Evaluate(task.ParseCommand(spec.CommandText))
	if needsApproval {
		if err := o.store.UpsertTask(spec.TaskID, task.StatusWaitingApproval, payload); err != nil {
			o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("persisting waiting task failed")
			return 0
		}
		planText, err := o.approvals.Request(ctx, spec, reason)
		if err != nil {
			o.failBeforeExecution(ctx, spec, task.Result{
				Status:  task.StatusFailed,
				Summary: fmt.Sprintf("failed to request approval: %v", err),
				Details: planText,
			})
			o.emitter.Emit(events.ApprovalRequestFailed).
				Str("task_id", spec.TaskID).
				Str("error", err.Error()).
				Send()
			return 0
		}
		o.emitter.Emit(events.TaskWaitingApproval).
			Str("task_id", spec.TaskID).
			Str("channel", spec.ChannelID).
			Str("ts", spec.MessageTS).
			Send()
		return 0
	}

	if err := o.store.UpsertTask(spec.TaskID, task.StatusPending, payload); err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("persisting pending task failed")
		return 0
	}
	if o.queue.Enqueue(*spec) {
		return 1
	}
	return 0
}

// failBeforeExecution marks a task failed before it ever ran and reports
// the failure.
func (o *Orchestrator) failBeforeExecution(ctx context.Context, spec *task.Spec, result task.Result) {
	payload, err := task.EncodePayload(*spec)
	if err != nil {
		payload = ""
	}
	if err := o.store.UpsertTask(spec.TaskID, result.Status, payload); err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("persisting failed task failed")
	}
	o.reportResult(ctx, spec, result)
}

// processReaction resolves a reaction against its pending approval.
// Returns 1 when the reaction approved a task and enqueued it.
func (o *Orchestrator) processReaction(ctx context.Context, reaction listener.Reaction) int {
	approval, err := o.store.GetPendingApprovalForMessage(reaction.ChannelID, reaction.MessageTS)
	if err != nil {
		o.logger.Error().Err(err).Str("ts", reaction.MessageTS).Msg("looking up pending approval failed")
		return 0
	}
	if approval == nil {
		return 0
	}

	name := strings.Trim(strings.TrimSpace(reaction.Reaction), ":")
	var status store.ApprovalStatus
	switch name {
	case approval.ApproveReaction:
		status = store.ApprovalApproved
	case approval.RejectReaction:
		status = store.ApprovalRejected
	default:
		return 0
	}

	won, err := o.store.ResolveTaskApproval(approval.TaskID, status, reaction.User, name)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", approval.TaskID).Msg("resolving approval failed")
		return 0
	}
	if !won {
		o.metrics.ApprovalsTotal.WithLabelValues("stale").Inc()
		return 0
	}

	record, err := o.store.GetTask(approval.TaskID)
	if err != nil || record == nil {
		o.logger.Error().Err(err).Str("task_id", approval.TaskID).Msg("loading approved task failed")
		return 0
	}
	spec, err := task.DecodePayload(record.TaskID, record.Payload)
	if err != nil {
		if err := o.store.UpdateTaskStatus(record.TaskID, task.StatusFailed); err != nil {
			o.logger.Error().Err(err).Str("task_id", record.TaskID).Msg("failing undecodable task failed")
		}
		o.emitter.Emit(events.ApprovalPayloadInvalid).
			Str("task_id", record.TaskID).
			Str("error", err.Error()).
			Send()
		return 0
	}

	if status == store.ApprovalApproved {
		if err := o.store.UpdateTaskStatus(spec.TaskID, task.StatusPending); err != nil {
			o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("marking approved task pending failed")
			return 0
		}
		enqueued := o.queue.Enqueue(spec)
		o.metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
		o.emitter.Emit(events.TaskApproved).
			Str("task_id", spec.TaskID).
			Str("user", reaction.User).
			Send()
		if enqueued {
			return 1
		}
		return 0
	}

	if err := o.store.UpdateTaskStatus(spec.TaskID, task.StatusCanceled); err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("marking rejected task canceled failed")
	}
	o.reportResult(ctx, &spec, task.Result{
		Status:  task.StatusCanceled,
		Summary: fmt.Sprintf("task canceled by :%s: from %s", name, reaction.User),
		Details: "approval rejected before execution",
	})
	o.metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
	o.emitter.Emit(events.TaskCanceled).
		Str("task_id", spec.TaskID).
		Str("user", reaction.User).
		Send()
	return 0
}

// reportResult posts the result message, logging rather than failing the
// task when the post itself fails.
func (o *Orchestrator) reportResult(ctx context.Context, spec *task.Spec, result task.Result) {
	if err := o.reporter.Report(ctx, spec, result); err != nil {
		o.emitter.Emit(events.ReportFailed).
			Str("task_id", spec.TaskID).
			Str("error", err.Error()).
			Send()
	}
}
