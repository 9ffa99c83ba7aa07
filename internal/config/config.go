// Package config loads and validates the process configuration from
// environment variables. The loaded Config is frozen at startup and
// passed by pointer; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	ListenerPoll   = "poll"
	ListenerSocket = "socket"

	TriggerModePrefix  = "prefix"
	TriggerModeMention = "mention"

	ApprovalNone     = "none"
	ApprovalReaction = "reaction"

	RunModeApprove = "approve"
	RunModeRun     = "run"
)

// DefaultAgentResponseInstruction is appended to agent prompts when
// AGENT_RESPONSE_INSTRUCTION is not set. Setting it to an empty string
// disables the suffix entirely.
const DefaultAgentResponseInstruction = "Format the final answer for Slack Markdown.\n" +
	"- Start with a one-line summary.\n" +
	"- Use short sections with bullets.\n" +
	"- Put commands/code in fenced code blocks.\n" +
	"- Skip CLI metadata/log headers."

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// Slack
	SlackBotToken    string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken    string `envconfig:"SLACK_APP_TOKEN"` // xapp- token for socket mode
	CommandChannelID string `envconfig:"COMMAND_CHANNEL_ID"`
	ReportChannelID  string `envconfig:"REPORT_CHANNEL_ID"`

	// Listener
	ListenerMode             string  `envconfig:"LISTENER_MODE" default:"socket"`
	PollInterval             float64 `envconfig:"POLL_INTERVAL" default:"3.0"`
	PollBatchSize            int     `envconfig:"POLL_BATCH_SIZE" default:"100"`
	SocketReadTimeoutSeconds float64 `envconfig:"SOCKET_READ_TIMEOUT_SECONDS" default:"1.0"`

	// Trigger
	TriggerMode   string `envconfig:"TRIGGER_MODE" default:"prefix"`
	TriggerPrefix string `envconfig:"TRIGGER_PREFIX" default:"!do"`
	BotUserID     string `envconfig:"BOT_USER_ID"`

	// State
	StateDBPath      string `envconfig:"STATE_DB_PATH" default:"./state.db"`
	RehydratePending bool   `envconfig:"REHYDRATE_PENDING" default:"true"`

	// Execution
	ExecTimeoutSeconds int    `envconfig:"EXEC_TIMEOUT_SECONDS" default:"120"`
	DryRun             bool   `envconfig:"DRY_RUN" default:"true"`
	WorkerProcesses    int    `envconfig:"WORKER_PROCESSES" default:"1"`
	AgentWorkdir       string `envconfig:"AGENT_WORKDIR"`

	// Approval
	RunMode         string `envconfig:"RUN_MODE" default:"approve"`
	ApprovalMode    string `envconfig:"APPROVAL_MODE" default:"reaction"`
	ApproveReaction string `envconfig:"APPROVE_REACTION" default:"white_check_mark"`
	RejectReaction  string `envconfig:"REJECT_REACTION" default:"x"`
	ShellAllowlist  string `envconfig:"SHELL_ALLOWLIST"`

	// Agent CLIs
	KimiPermissionMode       string `envconfig:"KIMI_PERMISSION_MODE" default:"yolo"`
	CodexPermissionMode      string `envconfig:"CODEX_PERMISSION_MODE" default:"full-auto"`
	CodexSandboxMode         string `envconfig:"CODEX_SANDBOX_MODE" default:"workspace-write"`
	ClaudePermissionMode     string `envconfig:"CLAUDE_PERMISSION_MODE" default:"acceptEdits"`
	AgentResponseInstruction string `envconfig:"AGENT_RESPONSE_INSTRUCTION"`

	// Reporter
	ReportInputMaxChars   int `envconfig:"REPORT_INPUT_MAX_CHARS" default:"500"`
	ReportSummaryMaxChars int `envconfig:"REPORT_SUMMARY_MAX_CHARS" default:"1200"`
	ReportDetailsMaxChars int `envconfig:"REPORT_DETAILS_MAX_CHARS" default:"4000"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.SlackBotToken == "" {
		// Fallback token name used by some MCP-based Slack setups.
		cfg.SlackBotToken = strings.TrimSpace(os.Getenv("SLACK_MCP_XOXB_TOKEN"))
	}
	if _, set := os.LookupEnv("AGENT_RESPONSE_INSTRUCTION"); !set {
		cfg.AgentResponseInstruction = DefaultAgentResponseInstruction
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and normalizes reaction names.
func (c *Config) Validate() error {
	if c.SlackBotToken == "" {
		return fmt.Errorf("missing required environment variable: SLACK_BOT_TOKEN (or SLACK_MCP_XOXB_TOKEN)")
	}
	if c.CommandChannelID == "" {
		return fmt.Errorf("missing required environment variable: COMMAND_CHANNEL_ID")
	}
	if c.ReportChannelID == "" {
		return fmt.Errorf("missing required environment variable: REPORT_CHANNEL_ID")
	}

	switch c.ListenerMode {
	case ListenerPoll, ListenerSocket:
	default:
		return fmt.Errorf("LISTENER_MODE must be one of [poll socket], got %q", c.ListenerMode)
	}
	if c.ListenerMode == ListenerSocket && c.SlackAppToken == "" {
		return fmt.Errorf("SLACK_APP_TOKEN is required when LISTENER_MODE=socket")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0, got %v", c.PollInterval)
	}
	if c.PollBatchSize <= 0 {
		return fmt.Errorf("POLL_BATCH_SIZE must be > 0, got %d", c.PollBatchSize)
	}
	if c.PollBatchSize > 200 {
		return fmt.Errorf("POLL_BATCH_SIZE must be <= 200 (Slack API max), got %d", c.PollBatchSize)
	}
	if c.SocketReadTimeoutSeconds <= 0 {
		return fmt.Errorf("SOCKET_READ_TIMEOUT_SECONDS must be > 0, got %v", c.SocketReadTimeoutSeconds)
	}

	switch c.TriggerMode {
	case TriggerModePrefix, TriggerModeMention:
	default:
		return fmt.Errorf("TRIGGER_MODE must be one of [mention prefix], got %q", c.TriggerMode)
	}
	c.TriggerPrefix = strings.TrimSpace(c.TriggerPrefix)
	if c.TriggerPrefix == "" {
		return fmt.Errorf("TRIGGER_PREFIX cannot be empty")
	}
	if c.TriggerMode == TriggerModeMention && c.BotUserID == "" {
		return fmt.Errorf("BOT_USER_ID is required when TRIGGER_MODE=mention")
	}

	c.StateDBPath = strings.TrimSpace(c.StateDBPath)
	if c.StateDBPath == "" {
		return fmt.Errorf("STATE_DB_PATH cannot be empty")
	}
	if c.ExecTimeoutSeconds <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT_SECONDS must be > 0, got %d", c.ExecTimeoutSeconds)
	}
	if c.WorkerProcesses < 1 {
		return fmt.Errorf("WORKER_PROCESSES must be >= 1, got %d", c.WorkerProcesses)
	}

	switch c.RunMode {
	case RunModeApprove, RunModeRun:
	default:
		return fmt.Errorf("RUN_MODE must be one of [approve run], got %q", c.RunMode)
	}
	if c.RunMode == RunModeRun {
		// Run mode bypasses the approval gate entirely.
		c.ApprovalMode = ApprovalNone
	}
	switch c.ApprovalMode {
	case ApprovalNone, ApprovalReaction:
	default:
		return fmt.Errorf("APPROVAL_MODE must be one of [none reaction], got %q", c.ApprovalMode)
	}
	if c.ApprovalMode == ApprovalReaction && c.ListenerMode != ListenerSocket {
		return fmt.Errorf("APPROVAL_MODE=reaction requires LISTENER_MODE=socket (poll mode does not observe reactions)")
	}
	c.ApproveReaction = strings.Trim(strings.TrimSpace(c.ApproveReaction), ":")
	c.RejectReaction = strings.Trim(strings.TrimSpace(c.RejectReaction), ":")
	if c.ApproveReaction == "" || c.RejectReaction == "" {
		return fmt.Errorf("APPROVE_REACTION and REJECT_REACTION cannot be empty")
	}
	if c.ApproveReaction == c.RejectReaction {
		return fmt.Errorf("APPROVE_REACTION and REJECT_REACTION must differ, both are %q", c.ApproveReaction)
	}

	if c.ReportInputMaxChars < 4 || c.ReportSummaryMaxChars < 4 || c.ReportDetailsMaxChars < 4 {
		return fmt.Errorf("report trim limits must be >= 4")
	}
	return nil
}

// ShellAllowlistSet parses SHELL_ALLOWLIST into a lowercase lookup set.
// Entries are separated by commas or whitespace. An empty result means
// no shell command is allowlisted.
func (c *Config) ShellAllowlistSet() map[string]struct{} {
	set := make(map[string]struct{})
	fields := strings.FieldsFunc(c.ShellAllowlist, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}
