// Command slackclaw is the single-tenant Slack channel agent: it watches a
// command channel for trigger messages, turns them into durable tasks,
// gates risky ones behind reaction approvals, executes them as local
// subprocesses and reports the results to a report channel.
//
// Usage:
//
//	SLACK_BOT_TOKEN=xoxb-... COMMAND_CHANNEL_ID=C... REPORT_CHANNEL_ID=C... slackclaw
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slackclaw/slackclaw/internal/approval"
	"github.com/slackclaw/slackclaw/internal/attachments"
	"github.com/slackclaw/slackclaw/internal/config"
	"github.com/slackclaw/slackclaw/internal/events"
	"github.com/slackclaw/slackclaw/internal/executor"
	"github.com/slackclaw/slackclaw/internal/health"
	"github.com/slackclaw/slackclaw/internal/listener"
	"github.com/slackclaw/slackclaw/internal/metrics"
	"github.com/slackclaw/slackclaw/internal/orchestrator"
	"github.com/slackclaw/slackclaw/internal/reporter"
	"github.com/slackclaw/slackclaw/internal/slackclient"
	"github.com/slackclaw/slackclaw/internal/store"
	"github.com/slackclaw/slackclaw/internal/task"
)

// Exit codes. Supervisors distinguish config mistakes from auth failures.
const (
	exitOK           = 0
	exitConfig       = 2
	exitAuth         = 3
	exitListenerInit = 4
)

func main() {
	once := false
	exitCode := exitOK

	root := &cobra.Command{
		Use:   "slackclaw",
		Short: "Slack channel agent that runs approved commands as local subprocesses",
		Run: func(_ *cobra.Command, _ []string) {
			exitCode = run(once)
		},
	}
	root.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")

	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
	os.Exit(exitCode)
}

func run(once bool) int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("configuration invalid")
		return exitConfig
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	st, err := store.New(cfg.StateDBPath, logger)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.StateDBPath).Msg("opening state store failed")
		return exitConfig
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := slackclient.New(cfg.SlackBotToken, cfg.SlackAppToken, logger)
	auth, err := client.AuthTest(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("slack auth check failed")
		return exitAuth
	}

	lst, err := buildListener(cfg, client, st, logger)
	if err != nil {
		logger.Error().Err(err).Msg("listener initialization failed")
		return exitListenerInit
	}
	defer lst.Close()

	emitter := events.New(os.Stdout)
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		checker := health.NewChecker(logger)
		checker.Register("state_db", func(ctx context.Context) health.Status {
			if err := st.Ping(ctx); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})
		checker.Register("slack", func(ctx context.Context) health.Status {
			if _, err := client.AuthTest(ctx); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/health", health.LivenessHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("ops server stopped")
			}
		}()
	}

	orch := orchestrator.New(orchestrator.Params{
		Config:      cfg,
		Store:       st,
		Queue:       task.NewQueue(),
		Listener:    lst,
		Approvals:   approval.NewManager(cfg, st, client, logger),
		Executor:    executor.New(cfg, logger),
		Reporter:    reporter.New(client, cfg.ReportChannelID, cfg.ReportInputMaxChars, cfg.ReportSummaryMaxChars, cfg.ReportDetailsMaxChars, logger),
		Attachments: attachments.New(client, "", logger),
		Emitter:     emitter,
		Metrics:     m,
		Logger:      logger,
	})

	recovered, err := orch.Startup()
	if err != nil {
		logger.Error().Err(err).Msg("startup recovery failed")
		return exitConfig
	}

	emitter.Emit(events.Startup).
		Str("listener_mode", cfg.ListenerMode).
		Str("trigger_mode", cfg.TriggerMode).
		Str("trigger_prefix", cfg.TriggerPrefix).
		Str("approval_mode", cfg.ApprovalMode).
		Str("run_mode", cfg.RunMode).
		Bool("dry_run", cfg.DryRun).
		Bool("once", once).
		Int("worker_processes", cfg.WorkerProcesses).
		Str("command_channel", cfg.CommandChannelID).
		Str("report_channel", cfg.ReportChannelID).
		Str("state_db", cfg.StateDBPath).
		Int64("recovered_tasks", recovered).
		Str("auth_user_id", auth.UserID).
		Str("auth_team", auth.Team).
		Send()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		emitter.Emit(events.Signal).Str("signal", sig.String()).Send()
		cancel()
	}()

	if err := orch.Run(ctx, once); err != nil {
		logger.Error().Err(err).Msg("run loop failed")
		return exitConfig
	}
	signal.Stop(sigCh)
	close(sigCh)
	logger.Info().Msg("slackclaw stopped")
	return exitOK
}

// buildListener constructs the configured ingestion path. The poller is
// seeded with the persisted checkpoint so restarts resume where the last
// run left off.
func buildListener(cfg *config.Config, client *slackclient.Client, st *store.Store, logger zerolog.Logger) (listener.Listener, error) {
	switch cfg.ListenerMode {
	case config.ListenerPoll:
		lastTS, err := st.GetCheckpoint("last_ts:" + cfg.CommandChannelID)
		if err != nil {
			return nil, fmt.Errorf("loading poll checkpoint: %w", err)
		}
		return listener.NewPoller(client, cfg.CommandChannelID, cfg.PollBatchSize, 0, lastTS, logger), nil
	case config.ListenerSocket:
		readTimeout := time.Duration(cfg.SocketReadTimeoutSeconds * float64(time.Second))
		return listener.NewSocketListener(client, cfg.CommandChannelID, readTimeout, logger), nil
	}
	return nil, fmt.Errorf("unsupported listener mode %q", cfg.ListenerMode)
}
