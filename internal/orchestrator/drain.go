package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slackclaw/slackclaw/internal/events"
	"github.com/slackclaw/slackclaw/internal/executor"
	"github.com/slackclaw/slackclaw/internal/task"
)

// drainQueue claims every queued task and executes it, serialized per lock
// key. Tasks whose lock is busy are demoted back to pending and re-queued
// for the next cycle. With WORKER_PROCESSES > 1 execution fans out over a
// bounded worker group where each worker owns its own store handle; the
// drain blocks until all in-flight tasks of this cycle finish.
func (o *Orchestrator) drainQueue(ctx context.Context) int {
	handled := 0
	var deferred []task.Spec

	poolEnabled := o.cfg.WorkerProcesses > 1
	group := new(errgroup.Group)
	if poolEnabled {
		group.SetLimit(o.cfg.WorkerProcesses)
	}

	for {
		spec, ok := o.queue.Dequeue()
		if !ok {
			break
		}

		claimed, err := o.store.TransitionTaskStatus(spec.TaskID, task.StatusPending, task.StatusRunning)
		if err != nil {
			o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("claiming task failed")
			continue
		}
		if !claimed {
			// Lost the pending->running race or the task was resolved
			// elsewhere (canceled, already running).
			continue
		}
		handled++
		o.emitter.Emit(events.TaskStarted).
			Str("task_id", spec.TaskID).
			Str("lock_key", spec.LockKey).
			Str("command", spec.CommandText).
			Send()

		locked, err := o.store.AcquireExecutionLock(spec.LockKey, spec.TaskID)
		if err != nil {
			o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("acquiring execution lock failed")
		}
		if !locked {
			if err := o.store.UpdateTaskStatus(spec.TaskID, task.StatusPending); err != nil {
				o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("demoting deferred task failed")
			}
			deferred = append(deferred, spec)
			o.metrics.LockDeferrals.Inc()
			o.emitter.Emit(events.TaskDeferredLockBusy).
				Str("task_id", spec.TaskID).
				Str("lock_key", spec.LockKey).
				Send()
			continue
		}

		if !poolEnabled {
			o.executeAndFinish(ctx, spec, o.store)
			continue
		}

		workerStore, err := o.newWorkerStore()
		if err != nil {
			o.emitter.Emit(events.ProcessPoolSubmitFailed).
				Str("task_id", spec.TaskID).
				Str("error", err.Error()).
				Send()
			poolEnabled = false
			o.executeAndFinish(ctx, spec, o.store)
			continue
		}
		group.Go(func() error {
			defer workerStore.Close()
			o.executeAndFinish(ctx, spec, workerStore)
			return nil
		})
	}

	_ = group.Wait()

	for _, spec := range deferred {
		o.queue.Enqueue(spec)
	}
	return handled
}

// executeAndFinish runs one claimed task end to end. The execution lock is
// released on every path, including panics inside the executor.
func (o *Orchestrator) executeAndFinish(ctx context.Context, spec task.Spec, st executor.Store) {
	defer func() {
		if err := o.store.ReleaseExecutionLock(spec.LockKey, spec.TaskID); err != nil {
			o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("releasing execution lock failed")
		}
	}()

	started := time.Now()
	result := o.executor.Execute(ctx, &spec, st)
	o.metrics.TaskDuration.WithLabelValues(commandKind(spec.CommandText)).Observe(time.Since(started).Seconds())

	o.finishTask(ctx, spec, result)
}

// finishTask persists the terminal status, reports the result and emits
// the finish event.
func (o *Orchestrator) finishTask(ctx context.Context, spec task.Spec, result task.Result) {
	if err := o.store.UpdateTaskStatus(spec.TaskID, result.Status); err != nil {
		o.logger.Error().Err(err).Str("task_id", spec.TaskID).Msg("persisting terminal status failed")
	}
	o.reportResult(ctx, &spec, result)
	o.metrics.TasksTotal.WithLabelValues(string(result.Status)).Inc()
	o.emitter.Emit(events.TaskFinished).
		Str("task_id", spec.TaskID).
		Str("status", string(result.Status)).
		Str("summary", result.Summary).
		Send()
}

func commandKind(commandText string) string {
	switch task.ParseCommand(commandText).(type) {
	case task.ShellCommand:
		return "shell"
	case task.KimiCommand:
		return "kimi"
	case task.CodexCommand:
		return "codex"
	case task.ClaudeCommand:
		return "claude"
	}
	return "noop"
}
