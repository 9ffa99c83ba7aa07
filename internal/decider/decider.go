// Package decider holds the pure message-to-task decision function. It
// classifies an incoming channel message as either ignored (with a reason)
// or a runnable task spec carrying the command text and lock key.
package decider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/slackclaw/slackclaw/internal/config"
	"github.com/slackclaw/slackclaw/internal/listener"
	"github.com/slackclaw/slackclaw/internal/task"
)

var (
	shellCDRe    = regexp.MustCompile(`^\s*sh:\s*cd\s+([^\s;&]+)`)
	lockPrefixRe = regexp.MustCompile(`^lock:(\S+)\s+(.*)$`)

	simpleShellRe  = regexp.MustCompile(`(?i)^shell\s+(.+)$`)
	simpleKimiRe   = regexp.MustCompile(`(?i)^kimi\s+(.+)$`)
	simpleCodexRe  = regexp.MustCompile(`(?i)^codex\s+(.+)$`)
	simpleClaudeRe = regexp.MustCompile(`(?i)^claude\s+(.+)$`)
)

// Decision is the outcome for one message. Task is non-nil iff ShouldRun.
type Decision struct {
	ShouldRun bool
	Reason    string
	Task      *task.Spec
}

func ignore(reason string) Decision {
	return Decision{Reason: reason}
}

// Decide applies the trigger rules to a message. Order matters: system
// subtypes and empty text are dropped first, shortcut forms beat the
// configured trigger, and the lock prefix is parsed off the command body.
func Decide(cfg *config.Config, msg listener.Message) Decision {
	if msg.Subtype != "" {
		return ignore(fmt.Sprintf("ignored subtype=%s", msg.Subtype))
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ignore("ignored empty text")
	}

	commandText := parseSimpleCommand(text)
	if commandText == "" {
		switch cfg.TriggerMode {
		case config.TriggerModePrefix:
			if !strings.HasPrefix(text, cfg.TriggerPrefix) {
				return ignore("no prefix trigger")
			}
			commandText = strings.TrimSpace(text[len(cfg.TriggerPrefix):])
		case config.TriggerModeMention:
			mention := "<@" + cfg.BotUserID + ">"
			if !strings.HasPrefix(text, mention) {
				return ignore("no mention trigger")
			}
			commandText = strings.TrimSpace(text[len(mention):])
		default:
			return ignore("unsupported trigger mode")
		}
	}
	if commandText == "" {
		return ignore("empty command after trigger")
	}

	lockKey, commandText := extractLockKey(commandText)
	if commandText == "" {
		return ignore("empty command after lock prefix")
	}

	threadTS := msg.ThreadTS
	if threadTS == "" {
		threadTS = msg.TS
	}
	spec := &task.Spec{
		TaskID:      task.BuildID(msg.ChannelID, msg.TS, msg.Text),
		ChannelID:   msg.ChannelID,
		MessageTS:   msg.TS,
		ThreadTS:    threadTS,
		TriggerUser: msg.User,
		TriggerText: msg.Text,
		CommandText: commandText,
		LockKey:     lockKey,
	}
	return Decision{ShouldRun: true, Reason: "trigger matched", Task: spec}
}

// parseSimpleCommand recognizes the shortcut forms "shell <cmd>",
// "kimi <prompt>", "codex <prompt>" and "claude <prompt>" (first word
// case-insensitive) and rewrites them to prefixed command text.
func parseSimpleCommand(text string) string {
	if m := simpleShellRe.FindStringSubmatch(text); m != nil {
		if cmd := strings.TrimSpace(m[1]); cmd != "" {
			return "sh:" + cmd
		}
	}
	if m := simpleKimiRe.FindStringSubmatch(text); m != nil {
		if prompt := strings.TrimSpace(m[1]); prompt != "" {
			return "kimi:" + prompt
		}
	}
	if m := simpleCodexRe.FindStringSubmatch(text); m != nil {
		if prompt := strings.TrimSpace(m[1]); prompt != "" {
			return "codex:" + prompt
		}
	}
	if m := simpleClaudeRe.FindStringSubmatch(text); m != nil {
		if prompt := strings.TrimSpace(m[1]); prompt != "" {
			return "claude:" + prompt
		}
	}
	return ""
}

// extractLockKey derives the serialization key. An explicit
// "lock:<name> <rest>" prefix wins; otherwise "sh:cd <path>" commands are
// keyed by path; everything else shares the global key.
func extractLockKey(commandText string) (string, string) {
	if m := lockPrefixRe.FindStringSubmatch(commandText); m != nil {
		lockName := strings.TrimSpace(m[1])
		remainder := strings.TrimSpace(m[2])
		if lockName != "" {
			return "lock:" + lockName, remainder
		}
	}
	if m := shellCDRe.FindStringSubmatch(commandText); m != nil {
		if path := strings.TrimSpace(m[1]); path != "" {
			return "path:" + path, commandText
		}
	}
	return "global", commandText
}
