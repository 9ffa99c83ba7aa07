package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type postedMessage struct {
	channel  string
	text     string
	threadTS string
}

// capturePoster records posted messages and hands out sequential ts
// values, standing in for the Slack client in both the approval manager
// and the reporter.
type capturePoster struct {
	mu     sync.Mutex
	posts  []postedMessage
	nextTS int
}

func (p *capturePoster) PostMessage(_ context.Context, channelID, text, threadTS string, _ []slack.Block) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextTS++
	p.posts = append(p.posts, postedMessage{channel: channelID, text: text, threadTS: threadTS})
	return fmt.Sprintf("100.%06d", p.nextTS), nil
}

func (p *capturePoster) byChannel(channelID string) []postedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []postedMessage
	for _, post := range p.posts {
		if post.channel == channelID {
			out = append(out, post)
		}
	}
	return out
}

// scriptedListener hands out batches in order, then empties.
type scriptedListener struct {
	batches []listener.Batch
}

func (l *scriptedListener) Receive(context.Context) (listener.Batch, error) {
	if len(l.batches) == 0 {
		return listener.Batch{}, nil
	}
	batch := l.batches[0]
	l.batches = l.batches[1:]
	return batch, nil
}

func (l *scriptedListener) Close() error { return nil }

type noopDownloader struct{}

func (noopDownloader) DownloadFile(context.Context, string, io.Writer) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SlackBotToken:      "xoxb-test",
		CommandChannelID:   "C111",
		ReportChannelID:    "C222",
		ListenerMode:       config.ListenerSocket,
		TriggerMode:        config.TriggerModePrefix,
		TriggerPrefix:      "!do",
		StateDBPath:        filepath.Join(t.TempDir(), "state.db"),
		RehydratePending:   true,
		ExecTimeoutSeconds: 5,
		DryRun:             true,
		WorkerProcesses:    1,
		ApprovalMode:       config.ApprovalNone,
		ApproveReaction:    "white_check_mark",
		RejectReaction:     "x",
		PollInterval:       0.01,
	}
}

type harness struct {
	orch   *Orchestrator
	cfg    *config.Config
	store  *store.Store
	queue  *task.Queue
	poster *capturePoster
	lst    *scriptedListener
}

func newHarness(t *testing.T, cfg *config.Config, batches ...listener.Batch) *harness {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(cfg.StateDBPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	poster := &capturePoster{}
	queue := task.NewQueue()
	lst := &scriptedListener{batches: batches}

	orch := New(Params{
		Config:      cfg,
		Store:       st,
		Queue:       queue,
		Listener:    lst,
		Approvals:   approval.NewManager(cfg, st, poster, logger),
		Executor:    executor.New(cfg, logger),
		Reporter:    reporter.New(poster, cfg.ReportChannelID, 500, 1200, 4000, logger),
		Attachments: attachments.New(noopDownloader{}, t.TempDir(), logger),
		Emitter:     events.New(io.Discard),
		Metrics:     metrics.New(),
		Logger:      logger,
	})
	return &harness{orch: orch, cfg: cfg, store: st, queue: queue, poster: poster, lst: lst}
}

func commandMessage(text, ts string) listener.Message {
	return listener.Message{ChannelID: "C111", TS: ts, User: "U1", Text: text}
}

func TestCycleExecutesCommandAndReports(t *testing.T) {
	h := newHarness(t, testConfig(t), listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:echo hi", "1.1")},
	})

	h.orch.runCycle(context.Background())

	taskID := task.BuildID("C111", "1.1", "!do sh:echo hi")
	record, err := h.store.GetTask(taskID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, task.StatusSucceeded, record.Status)

	reports := h.poster.byChannel("C222")
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].text, "✅ SlackClaw task "+taskID)
	assert.Contains(t, reports[0].text, "dry-run only")
	assert.Zero(t, h.queue.Len())
}

func TestCycleIgnoresNonTriggerAndDuplicates(t *testing.T) {
	h := newHarness(t, testConfig(t),
		listener.Batch{Messages: []listener.Message{
			commandMessage("hello there", "1.1"),
			commandMessage("!do sh:echo hi", "1.2"),
		}},
		listener.Batch{Messages: []listener.Message{
			commandMessage("!do sh:echo hi", "1.2"),
		}},
	)

	h.orch.runCycle(context.Background())
	h.orch.runCycle(context.Background())

	// Only one report: the replayed ts is deduplicated, the chatter ignored.
	assert.Len(t, h.poster.byChannel("C222"), 1)
}

func TestReactionApprovalFlow(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalMode = config.ApprovalReaction

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:rm -rf /tmp/x", "1.1")},
	})
	taskID := task.BuildID("C111", "1.1", "!do sh:rm -rf /tmp/x")

	h.orch.runCycle(context.Background())

	record, err := h.store.GetTask(taskID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, task.StatusWaitingApproval, record.Status)

	plans := h.poster.byChannel("C111")
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0].text, "SlackClaw plan for task `"+taskID+"`")
	assert.Equal(t, "1.1", plans[0].threadTS)
	assert.Empty(t, h.poster.byChannel("C222"), "nothing reported before approval")

	// Approve on the source message.
	h.lst.batches = []listener.Batch{{Reactions: []listener.Reaction{{
		ChannelID: "C111", MessageTS: "1.1", Reaction: "white_check_mark", User: "U2",
	}}}}
	h.orch.runCycle(context.Background())

	record, err = h.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, record.Status)
	require.Len(t, h.poster.byChannel("C222"), 1)
}

func TestReactionRejectionCancels(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalMode = config.ApprovalReaction

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:whoami", "1.1")},
	})
	taskID := task.BuildID("C111", "1.1", "!do sh:whoami")

	h.orch.runCycle(context.Background())

	h.lst.batches = []listener.Batch{{Reactions: []listener.Reaction{{
		ChannelID: "C111", MessageTS: "1.1", Reaction: "x", User: "U2",
	}}}}
	h.orch.runCycle(context.Background())

	record, err := h.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, record.Status)

	reports := h.poster.byChannel("C222")
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].text, "task canceled by :x: from U2")
	assert.Contains(t, reports[0].text, "approval rejected before execution")
}

func TestAllowlistedShellSkipsApproval(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalMode = config.ApprovalReaction
	cfg.ShellAllowlist = "echo,ls"

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:echo hi && ls", "1.1")},
	})

	h.orch.runCycle(context.Background())

	record, err := h.store.GetTask(task.BuildID("C111", "1.1", "!do sh:echo hi && ls"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, record.Status)
	assert.Empty(t, h.poster.byChannel("C111"), "no plan message for allowlisted shell")
}

func TestStaleReactionIsIgnored(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalMode = config.ApprovalReaction

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:whoami", "1.1")},
	})
	h.orch.runCycle(context.Background())

	approve := listener.Reaction{ChannelID: "C111", MessageTS: "1.1", Reaction: "white_check_mark", User: "U2"}
	reject := listener.Reaction{ChannelID: "C111", MessageTS: "1.1", Reaction: "x", User: "U3"}
	h.lst.batches = []listener.Batch{{Reactions: []listener.Reaction{approve, reject}}}
	h.orch.runCycle(context.Background())

	// The first reaction wins; the later rejection is stale.
	record, err := h.store.GetTask(task.BuildID("C111", "1.1", "!do sh:whoami"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, record.Status)
}

func TestLockBusyDefersTask(t *testing.T) {
	h := newHarness(t, testConfig(t), listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:echo hi", "1.1")},
	})
	taskID := task.BuildID("C111", "1.1", "!do sh:echo hi")

	// Another task holds the global lock.
	got, err := h.store.AcquireExecutionLock("global", "other-task")
	require.NoError(t, err)
	require.True(t, got)

	h.orch.runCycle(context.Background())

	record, err := h.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, record.Status)
	assert.Equal(t, 1, h.queue.Len(), "deferred task re-queued for the next cycle")
	assert.Empty(t, h.poster.byChannel("C222"))

	// Once the lock frees up the deferred task runs.
	require.NoError(t, h.store.ReleaseExecutionLock("global", "other-task"))
	h.orch.runCycle(context.Background())

	record, err = h.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, record.Status)
}

func TestStartupSweepAndRehydration(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	crashed, err := task.EncodePayload(task.Spec{ChannelID: "C111", MessageTS: "1.1", CommandText: "sh:x", LockKey: "global"})
	require.NoError(t, err)
	pending, err := task.EncodePayload(task.Spec{ChannelID: "C111", MessageTS: "1.2", CommandText: "sh:y", LockKey: "global"})
	require.NoError(t, err)

	require.NoError(t, h.store.UpsertTask("crashed1", task.StatusRunning, crashed))
	require.NoError(t, h.store.UpsertTask("pending1", task.StatusPending, pending))
	got, err := h.store.AcquireExecutionLock("global", "crashed1")
	require.NoError(t, err)
	require.True(t, got)

	recovered, err := h.orch.Startup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	record, err := h.store.GetTask("crashed1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAbortedOnRestart, record.Status)

	assert.Equal(t, 1, h.queue.Len(), "pending task rehydrated")

	// The crashed task's lock was released; the rehydrated task can run.
	locked, err := h.store.AcquireExecutionLock("global", "pending1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestStartupSkipsRehydrationWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RehydratePending = false
	h := newHarness(t, cfg)

	payload, err := task.EncodePayload(task.Spec{ChannelID: "C111", MessageTS: "1.2", CommandText: "sh:y", LockKey: "global"})
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertTask("pending1", task.StatusPending, payload))

	_, err = h.orch.Startup()
	require.NoError(t, err)
	assert.Zero(t, h.queue.Len())
}

func TestPollModePersistsCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenerMode = config.ListenerPoll

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:echo hi", "5.5")},
		NewestTS: "5.5",
	})

	h.orch.runCycle(context.Background())

	value, err := h.store.GetCheckpoint("last_ts:C111")
	require.NoError(t, err)
	assert.Equal(t, "5.5", value)
}

func TestRunOnceStopsAfterOneCycle(t *testing.T) {
	h := newHarness(t, testConfig(t), listener.Batch{
		Messages: []listener.Message{commandMessage("!do sh:echo hi", "1.1")},
	})

	require.NoError(t, h.orch.Run(context.Background(), true))
	assert.Len(t, h.poster.byChannel("C222"), 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.orch.Run(ctx, false))
}

func TestWorkerPoolExecutesTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerProcesses = 3

	h := newHarness(t, cfg, listener.Batch{
		Messages: []listener.Message{
			commandMessage("!do lock:a sh:echo one", "1.1"),
			commandMessage("!do lock:b sh:echo two", "1.2"),
		},
	})

	h.orch.runCycle(context.Background())

	for _, raw := range []struct{ ts, text string }{
		{"1.1", "!do lock:a sh:echo one"},
		{"1.2", "!do lock:b sh:echo two"},
	} {
		record, err := h.store.GetTask(task.BuildID("C111", raw.ts, raw.text))
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, task.StatusSucceeded, record.Status)
	}
	assert.Len(t, h.poster.byChannel("C222"), 2)
}
