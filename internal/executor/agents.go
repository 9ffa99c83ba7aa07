package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/slackclaw/slackclaw/internal/task"
)

func randomSessionID() string {
	return uuid.NewString()
}

func (e *Executor) runKimi(ctx context.Context, prompt string, spec *task.Spec, st Store) task.Result {
	sessionID := e.getOrCreateSession(st, spec, "kimi")
	finalPrompt := e.promptWithContext(prompt, spec, st)
	cwd := e.runCwd()

	args := []string{"--quiet"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	switch e.kimiPermission {
	case "yolo", "auto", "yes":
		args = append(args, "--yolo")
	}
	args = append(args, "-S", sessionID, "-p", finalPrompt)

	res := e.run(ctx, runRequest{name: "kimi", args: args, dir: cwd})
	if res.timedOut {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("kimi command timed out after %ds", int(e.timeout.Seconds())),
			Details: prompt,
		}
	}
	if res.err != nil {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("kimi execution failed: %v", res.err),
			Details: prompt,
		}
	}

	details := joinOutput(res.stdout, res.stderr)
	if res.exitCode == 0 {
		e.persistSession(st, spec, "kimi", sessionID)
		response := strings.TrimSpace(res.stdout)
		if response == "" {
			response = details
		}
		e.appendThreadContext(st, spec, "kimi", prompt, response)
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: "kimi command completed",
			Details: orPlaceholder(details),
		}
	}
	return task.Result{
		Status:  task.StatusFailed,
		Summary: fmt.Sprintf("kimi command exited with code %d", res.exitCode),
		Details: orPlaceholder(details),
	}
}

func (e *Executor) runCodex(ctx context.Context, prompt string, spec *task.Spec, st Store) task.Result {
	existingSession := ""
	if st != nil {
		var err error
		existingSession, err = st.GetAgentSession(spec.ChannelID, spec.ThreadTS, "codex")
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", spec.TaskID).Msg("reading codex session failed")
		}
	}
	finalPrompt := e.promptWithContext(prompt, spec, st)
	cwd := e.runCwd()
	codexCwd := cwd
	if codexCwd == "" {
		if wd, err := os.Getwd(); err == nil {
			codexCwd = wd
		}
	}

	var args []string
	if existingSession != "" {
		args = append(args, "exec", "resume")
		args = append(args, e.codexPermissionFlags(false, codexCwd)...)
		args = append(args, "--skip-git-repo-check", "--json", existingSession, finalPrompt)
	} else {
		args = append(args, "exec")
		args = append(args, e.codexPermissionFlags(true, codexCwd)...)
		args = append(args, "--skip-git-repo-check", "--json", finalPrompt)
	}

	res := e.run(ctx, runRequest{name: "codex", args: args, dir: cwd})
	if res.timedOut {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("codex command timed out after %ds", int(e.timeout.Seconds())),
			Details: finalPrompt,
		}
	}
	if res.err != nil {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("codex execution failed: %v", res.err),
			Details: finalPrompt,
		}
	}

	events := parseJSONEvents(res.stdout)
	sessionID := extractCodexSessionID(events)
	if sessionID == "" {
		sessionID = existingSession
	}
	response := extractCodexResponse(events)
	stderr := stripCodexNoise(res.stderr)
	if response == "" {
		response = fallbackOutput(res.stdout, stderr)
	}

	if res.exitCode == 0 {
		if sessionID != "" {
			e.persistSession(st, spec, "codex", sessionID)
		}
		e.appendThreadContext(st, spec, "codex", prompt, response)
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: "codex command completed",
			Details: orPlaceholder(response),
		}
	}
	return task.Result{
		Status:  task.StatusFailed,
		Summary: fmt.Sprintf("codex command exited with code %d", res.exitCode),
		Details: orPlaceholder(response),
	}
}

func (e *Executor) runClaude(ctx context.Context, prompt string, spec *task.Spec, st Store) task.Result {
	finalPrompt := e.promptWithContext(prompt, spec, st)
	cwd := e.runCwd()

	args := []string{"-p"}
	if e.claudePermission != "" {
		args = append(args, "--permission-mode", e.claudePermission)
	}
	if cwd != "" {
		args = append(args, "--add-dir", cwd)
	}
	args = append(args, "--", finalPrompt)

	res := e.run(ctx, runRequest{name: "claude", args: args, dir: cwd})
	if res.timedOut {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("claude command timed out after %ds", int(e.timeout.Seconds())),
			Details: finalPrompt,
		}
	}
	if res.err != nil {
		return task.Result{
			Status:  task.StatusFailed,
			Summary: fmt.Sprintf("claude execution failed: %v", res.err),
			Details: finalPrompt,
		}
	}

	details := joinOutput(res.stdout, res.stderr)
	if res.exitCode == 0 {
		response := strings.TrimSpace(res.stdout)
		if response == "" {
			response = details
		}
		e.appendThreadContext(st, spec, "claude", prompt, response)
		return task.Result{
			Status:  task.StatusSucceeded,
			Summary: "claude command completed",
			Details: orPlaceholder(details),
		}
	}
	return task.Result{
		Status:  task.StatusFailed,
		Summary: fmt.Sprintf("claude command exited with code %d", res.exitCode),
		Details: orPlaceholder(details),
	}
}

func (e *Executor) getOrCreateSession(st Store, spec *task.Spec, agent string) string {
	if st == nil {
		return e.newSessionID()
	}
	existing, err := st.GetAgentSession(spec.ChannelID, spec.ThreadTS, agent)
	if err != nil {
		e.logger.Warn().Err(err).Str("agent", agent).Msg("reading session failed")
	}
	if existing != "" {
		return existing
	}
	return e.newSessionID()
}

// codexPermissionFlags maps the configured permission mode to CLI flags.
// Bypass modes replace the sandbox; otherwise the sandbox mode and the
// working directory are pinned explicitly on fresh sessions.
func (e *Executor) codexPermissionFlags(includeSandbox bool, codexCwd string) []string {
	var flags []string
	bypass := false
	switch e.codexPermission {
	case "dangerous", "bypass", "dangerously-bypass-approvals-and-sandbox":
		flags = append(flags, "--dangerously-bypass-approvals-and-sandbox")
		bypass = true
	case "full-auto":
		flags = append(flags, "--full-auto")
	}
	if includeSandbox && !bypass {
		switch e.codexSandbox {
		case "read-only", "workspace-write", "danger-full-access":
			flags = append(flags, "--sandbox", e.codexSandbox)
		}
		flags = append(flags, "-C", codexCwd)
	}
	return flags
}

// parseJSONEvents extracts the JSON objects from JSONL stdout, skipping
// anything that does not parse as an object.
func parseJSONEvents(text string) []map[string]json.RawMessage {
	var events []map[string]json.RawMessage
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		events = append(events, payload)
	}
	return events
}

func eventString(event map[string]json.RawMessage, key string) string {
	raw, ok := event[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func extractCodexSessionID(events []map[string]json.RawMessage) string {
	for _, event := range events {
		if eventString(event, "type") != "thread.started" {
			continue
		}
		if threadID := strings.TrimSpace(eventString(event, "thread_id")); threadID != "" {
			return threadID
		}
	}
	return ""
}

// extractCodexResponse returns the text of the last completed
// agent_message item, the agent's final answer.
func extractCodexResponse(events []map[string]json.RawMessage) string {
	var last string
	for _, event := range events {
		if eventString(event, "type") != "item.completed" {
			continue
		}
		raw, ok := event["item"]
		if !ok {
			continue
		}
		var item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Type != "agent_message" {
			continue
		}
		if text := strings.TrimSpace(item.Text); text != "" {
			last = text
		}
	}
	return last
}

// stripCodexNoise drops a known harmless codex stderr complaint about
// rollout paths on resumed threads.
func stripCodexNoise(text string) string {
	if text == "" {
		return ""
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "state db missing rollout path for thread") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// fallbackOutput is used when no agent_message was parsed: non-JSON
// stdout lines first, stderr otherwise.
func fallbackOutput(stdout, stderr string) string {
	var nonJSON []string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			continue
		}
		nonJSON = append(nonJSON, line)
	}
	if out := strings.TrimSpace(strings.Join(nonJSON, "\n")); out != "" {
		return out
	}
	return strings.TrimSpace(stderr)
}
