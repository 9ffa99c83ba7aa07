// Package slackclient wraps the Slack Web API surface the agent consumes:
// auth check, channel history, message posting, socket URL negotiation and
// authenticated file downloads. Rate-limited calls are retried once after
// honoring Retry-After.
package slackclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Client is a thin wrapper over the slack-go Web API client.
type Client struct {
	api    *slack.Client
	logger zerolog.Logger
}

// New builds a client from the bot token. The app-level token is only
// needed for socket mode and may be empty otherwise.
func New(botToken, appToken string, logger zerolog.Logger) *Client {
	opts := []slack.Option{}
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Client{
		api:    slack.New(botToken, opts...),
		logger: logger.With().Str("component", "slackclient").Logger(),
	}
}

// AuthTest verifies the bot token. Called once at startup; a failure is fatal.
func (c *Client) AuthTest(ctx context.Context) (*slack.AuthTestResponse, error) {
	var resp *slack.AuthTestResponse
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.api.AuthTestContext(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("auth.test: %w", err)
	}
	return resp, nil
}

// History fetches one page of channel history.
func (c *Client) History(ctx context.Context, channelID, oldest, cursor string, limit int) (*slack.GetConversationHistoryResponse, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Cursor:    cursor,
		Limit:     limit,
		Inclusive: false,
	}
	var resp *slack.GetConversationHistoryResponse
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.api.GetConversationHistoryContext(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("conversations.history: %w", err)
	}
	return resp, nil
}

// PostMessage posts text (optionally threaded, optionally with blocks) and
// returns the ts of the posted message.
func (c *Client) PostMessage(ctx context.Context, channelID, text, threadTS string, blocks []slack.Block) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	var ts string
	err := c.withRetry(ctx, func() error {
		var err error
		_, ts, err = c.api.PostMessageContext(ctx, channelID, opts...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("chat.postMessage: %w", err)
	}
	return ts, nil
}

// OpenSocketURL negotiates a fresh WebSocket URL via apps.connections.open.
func (c *Client) OpenSocketURL(ctx context.Context) (string, error) {
	var url string
	err := c.withRetry(ctx, func() error {
		var err error
		_, url, err = c.api.StartSocketModeContext(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	return url, nil
}

// DownloadFile streams a private Slack file URL using the bot token.
func (c *Client) DownloadFile(ctx context.Context, downloadURL string, w io.Writer) error {
	err := c.withRetry(ctx, func() error {
		return c.api.GetFileContext(ctx, downloadURL, w)
	})
	if err != nil {
		return fmt.Errorf("downloading file: %w", err)
	}
	return nil
}

// withRetry runs fn, and on a rate-limit error sleeps for Retry-After
// (minimum one second) and tries exactly once more.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	var rate *slack.RateLimitedError
	if !errors.As(err, &rate) {
		return err
	}
	wait := rate.RetryAfter
	if wait < time.Second {
		wait = time.Second
	}
	c.logger.Warn().Dur("retry_after", wait).Msg("rate limited, retrying once")
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}
