// Package executor runs task commands as local subprocesses: shell
// commands through the system shell and agent prompts through the kimi,
// codex and claude CLIs. It enforces a wall-clock timeout, assembles
// prompts from stored thread context, and feeds results back into the
// session and context memory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slackclaw/slackclaw/internal/config"
	"github.com/slackclaw/slackclaw/internal/task"
)

const threadContextMaxChars = 12000

// Store is the state slice the executor needs: session resumption and the
// rolling thread-context log. A nil Store disables both.
type Store interface {
	GetAgentSession(channelID, threadTS, agent string) (string, error)
	UpsertAgentSession(channelID, threadTS, agent, sessionID string) error
	GetThreadContext(channelID, threadTS string) (string, error)
	AppendThreadContext(channelID, threadTS, entry string, maxChars int) error
}

// runResult captures one subprocess invocation.
type runResult struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	err      error
}

// runRequest describes one subprocess invocation. Shell is set for
// interpreter invocations, Args for direct argv ones.
type runRequest struct {
	shell string
	name  string
	args  []string
	dir   string
	env   []string
}

type runFunc func(ctx context.Context, req runRequest) runResult

// Executor executes task specs. Settings are captured at construction.
type Executor struct {
	dryRun              bool
	timeout             time.Duration
	responseInstruction string
	agentWorkdir        string
	kimiPermission      string
	codexPermission     string
	codexSandbox        string
	claudePermission    string
	run                 runFunc
	newSessionID        func() string
	logger              zerolog.Logger
}

// New builds an executor from the frozen config.
func New(cfg *config.Config, logger zerolog.Logger) *Executor {
	e := &Executor{
		dryRun:              cfg.DryRun,
		timeout:             time.Duration(cfg.ExecTimeoutSeconds) * time.Second,
		responseInstruction: strings.TrimSpace(cfg.AgentResponseInstruction),
		agentWorkdir:        strings.TrimSpace(cfg.AgentWorkdir),
		kimiPermission:      strings.ToLower(strings.TrimSpace(cfg.KimiPermissionMode)),
		codexPermission:     strings.ToLower(strings.TrimSpace(cfg.CodexPermissionMode)),
		codexSandbox:        strings.ToLower(strings.TrimSpace(cfg.CodexSandboxMode)),
		claudePermission:    strings.TrimSpace(cfg.ClaudePermissionMode),
		newSessionID:        randomSessionID,
		logger:              logger.With().Str("component", "executor").Logger(),
	}
	e.run = e.runSubprocess
	return e
}

// Execute runs the task's command and returns its terminal result. The
// returned status is always one of succeeded, failed or canceled.
func (e *Executor) Execute(ctx context.Context, spec *task.Spec, st Store) task.Result {
	if e.dryRun {
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: fmt.Sprintf("dry-run only, no command executed for %s", spec.TaskID),
			Details: "planned command: " + spec.CommandText,
		}
	}

	switch cmd := task.ParseCommand(spec.CommandText).(type) {
	case task.ShellCommand:
		if cmd.Cmd == "" {
			return task.Result{
				Status:  task.StatusFailed,
				Summary: "invalid shell command: empty payload",
				Details: "use format: sh:<command>",
			}
		}
		return e.runShell(ctx, cmd.Cmd, spec)
	case task.KimiCommand:
		if cmd.Prompt == "" {
			return emptyPromptResult("kimi")
		}
		return e.runKimi(ctx, cmd.Prompt, spec, st)
	case task.CodexCommand:
		if cmd.Prompt == "" {
			return emptyPromptResult("codex")
		}
		return e.runCodex(ctx, cmd.Prompt, spec, st)
	case task.ClaudeCommand:
		if cmd.Prompt == "" {
			return emptyPromptResult("claude")
		}
		return e.runClaude(ctx, cmd.Prompt, spec, st)
	default:
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: fmt.Sprintf("no-op executor completed for %s", spec.TaskID),
			Details: "received command text: " + spec.CommandText,
		}
	}
}

func emptyPromptResult(agent string) task.Result {
	return task.Result{
		Status:  task.StatusFailed,
		Summary: fmt.Sprintf("invalid %s command: empty prompt", agent),
		Details: fmt.Sprintf("use format: %s:<prompt> or Slack message `%s <prompt>`", agent, strings.ToUpper(agent)),
	}
}

func (e *Executor) runShell(ctx context.Context, command string, spec *task.Spec) task.Result {
	req := runRequest{shell: command, dir: e.runCwd()}
	if len(spec.ImagePaths) > 0 {
		req.env = append(os.Environ(),
			"SLACKCLAW_IMAGE_PATHS="+strings.Join(spec.ImagePaths, "\n"),
			fmt.Sprintf("SLACKCLAW_IMAGE_COUNT=%d", len(spec.ImagePaths)),
		)
	}

	res := e.run(ctx, req)
	if res.timedOut {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("shell command timed out after %ds", int(e.timeout.Seconds())),
			Details: command,
		}
	}
	if res.err != nil {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("shell execution failed: %v", res.err),
			Details: command,
		}
	}

	details := joinOutput(res.stdout, res.stderr)
	if res.exitCode == 0 {
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: "shell command completed",
			Details: orPlaceholder(details),
		}
	}
	return task.Result{
		Status:  task.StatusFailed,
		Summary: fmt.Sprintf("shell command exited with code %d", res.exitCode),
		Details: orPlaceholder(details),
	}
}

// promptWithContext assembles the final agent prompt: stored thread
// context first, then the raw prompt, then attached image paths, then the
// configured response-format instruction.
func (e *Executor) promptWithContext(prompt string, spec *task.Spec, st Store) string {
	base := prompt
	if st != nil {
		context, err := st.GetThreadContext(spec.ChannelID, spec.ThreadTS)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", spec.TaskID).Msg("reading thread context failed")
		} else if context = strings.TrimSpace(context); context != "" {
			base = "Shared thread context from previous agent runs:\n" +
				context + "\n\nCurrent request:\n" + prompt
		}
	}

	if len(spec.ImagePaths) > 0 {
		var lines []string
		for _, path := range spec.ImagePaths {
			lines = append(lines, "- "+path)
		}
		base += "\n\nAttached image file paths available on local disk:\n" + strings.Join(lines, "\n")
	}

	if e.responseInstruction == "" {
		return base
	}
	return base + "\n\nResponse format requirements:\n" + e.responseInstruction
}

// appendThreadContext records one prompt/response turn for the thread.
// Empty responses are not recorded.
func (e *Executor) appendThreadContext(st Store, spec *task.Spec, agent, prompt, response string) {
	if st == nil {
		return
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return
	}
	entry := "agent=" + agent + "\nuser=" + strings.TrimSpace(prompt) + "\nassistant=" + response
	if err := st.AppendThreadContext(spec.ChannelID, spec.ThreadTS, entry, threadContextMaxChars); err != nil {
		e.logger.Warn().Err(err).Str("task_id", spec.TaskID).Msg("appending thread context failed")
	}
}

func (e *Executor) persistSession(st Store, spec *task.Spec, agent, sessionID string) {
	if st == nil || sessionID == "" {
		return
	}
	if err := st.UpsertAgentSession(spec.ChannelID, spec.ThreadTS, agent, sessionID); err != nil {
		e.logger.Warn().Err(err).Str("task_id", spec.TaskID).Str("agent", agent).Msg("persisting session failed")
	}
}

// runCwd returns the configured workdir iff it exists as a directory.
func (e *Executor) runCwd() string {
	if e.agentWorkdir == "" {
		return ""
	}
	info, err := os.Stat(e.agentWorkdir)
	if err != nil || !info.IsDir() {
		return ""
	}
	return e.agentWorkdir
}

// runSubprocess executes the request under the wall-clock timeout.
func (e *Executor) runSubprocess(ctx context.Context, req runRequest) runResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if req.shell != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", req.shell)
	} else {
		cmd = exec.CommandContext(ctx, req.name, req.args...)
	}
	cmd.Dir = req.dir
	if req.env != nil {
		cmd.Env = req.env
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{stdout: stdout.String(), stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.timedOut = true
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res
		}
		res.err = err
	}
	return res
}

func joinOutput(stdout, stderr string) string {
	var parts []string
	if s := strings.TrimSpace(stdout); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(stderr); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

func orPlaceholder(details string) string {
	if details == "" {
		return "<no output>"
	}
	return details
}
