package task

import "strings"

// Command is the parsed form of a task's command text. The decider keeps
// the raw prefixed string in the payload; the executor and the approval
// manager dispatch on the variant.
type Command interface {
	isCommand()
}

// ShellCommand runs through the shell interpreter.
type ShellCommand struct {
	Cmd string
}

// KimiCommand prompts the Kimi CLI.
type KimiCommand struct {
	Prompt string
}

// CodexCommand prompts the Codex CLI.
type CodexCommand struct {
	Prompt string
}

// ClaudeCommand prompts the Claude CLI.
type ClaudeCommand struct {
	Prompt string
}

// NoopCommand is any command text without a recognized prefix.
type NoopCommand struct {
	Raw string
}

func (ShellCommand) isCommand()  {}
func (KimiCommand) isCommand()   {}
func (CodexCommand) isCommand()  {}
func (ClaudeCommand) isCommand() {}
func (NoopCommand) isCommand()   {}

// ParseCommand maps a command text to its variant. An empty body after a
// recognized prefix yields the variant with an empty payload; callers
// reject those with a usage hint.
func ParseCommand(text string) Command {
	switch {
	case strings.HasPrefix(text, "sh:"):
		return ShellCommand{Cmd: strings.TrimSpace(text[len("sh:"):])}
	case strings.HasPrefix(text, "kimi:"):
		return KimiCommand{Prompt: strings.TrimSpace(text[len("kimi:"):])}
	case strings.HasPrefix(text, "codex:"):
		return CodexCommand{Prompt: strings.TrimSpace(text[len("codex:"):])}
	case strings.HasPrefix(text, "claude:"):
		return ClaudeCommand{Prompt: strings.TrimSpace(text[len("claude:"):])}
	}
	return NoopCommand{Raw: text}
}
