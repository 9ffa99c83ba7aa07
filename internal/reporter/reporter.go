// Package reporter posts the final per-task result message into the
// report channel. Reporting is best-effort: failures are logged and never
// change a task's status.
package reporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/slackclaw/slackclaw/internal/task"
)

const (
	detailsChunkChars = 2800
	maxDetailChunks   = 30
)

// messagePoster is the Slack slice the reporter needs.
type messagePoster interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string, blocks []slack.Block) (string, error)
}

// Reporter formats and posts task results.
type Reporter struct {
	poster          messagePoster
	reportChannelID string
	inputMaxChars   int
	summaryMaxChars int
	detailsMaxChars int
	logger          zerolog.Logger
}

// New builds a reporter. Non-positive limits fall back to the defaults
// (500/1200/4000).
func New(poster messagePoster, reportChannelID string, inputMax, summaryMax, detailsMax int, logger zerolog.Logger) *Reporter {
	if inputMax <= 0 {
		inputMax = 500
	}
	if summaryMax <= 0 {
		summaryMax = 1200
	}
	if detailsMax <= 0 {
		detailsMax = 4000
	}
	return &Reporter{
		poster:          poster,
		reportChannelID: reportChannelID,
		inputMaxChars:   inputMax,
		summaryMaxChars: summaryMax,
		detailsMaxChars: detailsMax,
		logger:          logger.With().Str("component", "reporter").Logger(),
	}
}

// Report posts one final message for the task.
func (r *Reporter) Report(ctx context.Context, spec *task.Spec, result task.Result) error {
	icon := "❌"
	if result.Status == task.StatusSucceeded {
		icon = "✅"
	}
	details := Trim(result.Details, r.detailsMaxChars)
	lines := []string{
		fmt.Sprintf("%s SlackClaw task %s [%s]", icon, spec.TaskID, result.Status),
		fmt.Sprintf("source: %s @ %s by %s", spec.ChannelID, spec.MessageTS, spec.TriggerUser),
		fmt.Sprintf("thread: %s", spec.ThreadTS),
		fmt.Sprintf("input: %s", Trim(spec.CommandText, r.inputMaxChars)),
		fmt.Sprintf("summary: %s", Trim(result.Summary, r.summaryMaxChars)),
		fmt.Sprintf("details: %s", details),
	}
	text := strings.Join(lines, "\n")

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines[:5], "\n"), false, false),
			nil, nil,
		),
	}
	for _, chunk := range chunkDetails(details) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "```"+chunk+"```", false, false),
			nil, nil,
		))
	}

	if _, err := r.poster.PostMessage(ctx, r.reportChannelID, text, "", blocks); err != nil {
		return fmt.Errorf("posting report: %w", err)
	}
	return nil
}

// Trim shortens text to at most max characters, marking the cut with a
// trailing "...". Very small caps just truncate. Counting is rune-based so
// a multibyte character is never split.
func Trim(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// chunkDetails splits details into rich-formatting chunks bounded by the
// Slack section text limit, capped at maxDetailChunks. Chunk boundaries
// fall on rune boundaries.
func chunkDetails(details string) []string {
	if details == "" {
		return nil
	}
	runes := []rune(details)
	var chunks []string
	for len(runes) > 0 && len(chunks) < maxDetailChunks {
		end := detailsChunkChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}
