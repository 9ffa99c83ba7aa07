// Package orchestrator drives the agent's cycle loop: listen, intake,
// approve, enqueue, dispatch, finish. It owns the checkpoint in poll mode
// and the crash-recovery sweep at startup.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slackclaw/slackclaw/internal/approval"
	"github.com/slackclaw/slackclaw/internal/attachments"
	"github.com/slackclaw/slackclaw/internal/config"
	"github.com/slackclaw/slackclaw/internal/events"
	"github.com/slackclaw/slackclaw/internal/executor"
	"github.com/slackclaw/slackclaw/internal/listener"
	"github.com/slackclaw/slackclaw/internal/metrics"
	"github.com/slackclaw/slackclaw/internal/reporter"
	"github.com/slackclaw/slackclaw/internal/store"
	"github.com/slackclaw/slackclaw/internal/task"
)

const checkpointKeyPrefix = "last_ts"

// Params collects the orchestrator's collaborators.
type Params struct {
	Config      *config.Config
	Store       *store.Store
	Queue       *task.Queue
	Listener    listener.Listener
	Approvals   *approval.Manager
	Executor    *executor.Executor
	Reporter    *reporter.Reporter
	Attachments *attachments.Materializer
	Emitter     *events.Emitter
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Orchestrator runs the cycle loop.
type Orchestrator struct {
	cfg         *config.Config
	store       *store.Store
	queue       *task.Queue
	listener    listener.Listener
	approvals   *approval.Manager
	executor    *executor.Executor
	reporter    *reporter.Reporter
	attachments *attachments.Materializer
	emitter     *events.Emitter
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	lastTS string

	// newWorkerStore opens a dedicated store handle for a pooled worker.
	// Swappable in tests.
	newWorkerStore func() (*store.Store, error)
}

// New wires an orchestrator from its collaborators.
func New(p Params) *Orchestrator {
	o := &Orchestrator{
		cfg:         p.Config,
		store:       p.Store,
		queue:       p.Queue,
		listener:    p.Listener,
		approvals:   p.Approvals,
		executor:    p.Executor,
		reporter:    p.Reporter,
		attachments: p.Attachments,
		emitter:     p.Emitter,
		metrics:     p.Metrics,
		logger:      p.Logger.With().Str("component", "orchestrator").Logger(),
	}
	o.newWorkerStore = func() (*store.Store, error) {
		return store.New(p.Config.StateDBPath, p.Logger)
	}
	return o
}

func (o *Orchestrator) checkpointKey() string {
	return checkpointKeyPrefix + ":" + o.cfg.CommandChannelID
}

// Startup performs the crash-recovery sweep, releases locks orphaned by
// crashed workers, optionally rehydrates the queue from persisted pending
// tasks, and loads the poll checkpoint. Returns the number of recovered
// (previously running) tasks.
func (o *Orchestrator) Startup() (int64, error) {
	recovered, err := o.store.MarkRunningTasksAborted()
	if err != nil {
		return 0, fmt.Errorf("restart sweep: %w", err)
	}
	released, err := o.store.ReleaseTerminalLocks()
	if err != nil {
		return recovered, fmt.Errorf("releasing stale locks: %w", err)
	}
	if released > 0 {
		o.logger.Info().Int64("count", released).Msg("released stale execution locks")
	}

	if o.cfg.RehydratePending {
		records, err := o.store.ListTasksByStatus(task.StatusPending)
		if err != nil {
			return recovered, fmt.Errorf("rehydrating queue: %w", err)
		}
		for _, record := range records {
			spec, err := task.DecodePayload(record.TaskID, record.Payload)
			if err != nil {
				o.logger.Warn().Err(err).Str("task_id", record.TaskID).Msg("skipping undecodable pending task")
				continue
			}
			o.queue.Enqueue(spec)
		}
		if len(records) > 0 {
			o.logger.Info().Int("count", len(records)).Msg("rehydrated pending tasks")
		}
	}

	if o.cfg.ListenerMode == config.ListenerPoll {
		lastTS, err := o.store.GetCheckpoint(o.checkpointKey())
		if err != nil {
			return recovered, fmt.Errorf("loading checkpoint: %w", err)
		}
		o.lastTS = lastTS
	}
	return recovered, nil
}

// Run drives cycles until the context is canceled. With once set it runs
// exactly one cycle.
func (o *Orchestrator) Run(ctx context.Context, once bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		o.runCycle(ctx)

		if once {
			return nil
		}
		if o.cfg.ListenerMode == config.ListenerPoll {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(o.cfg.PollInterval * float64(time.Second))):
			}
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	started := time.Now()
	enqueued := 0
	approved := 0

	batch, err := o.listener.Receive(ctx)
	if err != nil {
		o.emitter.Emit(events.ListenError).Str("error", err.Error()).Send()
		o.metrics.ListenErrorsTotal.Inc()
		batch = listener.Batch{}
	}
	if o.cfg.ListenerMode == config.ListenerPoll && batch.NewestTS != "" {
		o.lastTS = batch.NewestTS
		if err := o.store.SetCheckpoint(o.checkpointKey(), o.lastTS); err != nil {
			o.logger.Error().Err(err).Msg("persisting checkpoint failed")
		}
	}

	for _, msg := range batch.Messages {
		enqueued += o.processCommandMessage(ctx, msg)
	}
	for _, reaction := range batch.Reactions {
		approved += o.processReaction(ctx, reaction)
	}
	enqueued += approved

	handled := o.drainQueue(ctx)

	elapsed := time.Since(started)
	o.metrics.CycleDuration.Observe(elapsed.Seconds())
	o.metrics.QueueDepth.Set(float64(o.queue.Len()))
	o.emitter.Emit(events.CycleFinished).
		Int("polled", len(batch.Messages)).
		Int("reactions", len(batch.Reactions)).
		Int("enqueued", enqueued).
		Int("approved", approved).
		Int("handled", handled).
		Int("queue_size", o.queue.Len()).
		Int64("elapsed_ms", elapsed.Milliseconds()).
		Str("last_ts", o.lastTS).
		Send()
}
