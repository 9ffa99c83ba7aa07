package listener

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// historyClient is the Web API slice the poller needs.
type historyClient interface {
	History(ctx context.Context, channelID, oldest, cursor string, limit int) (*slack.GetConversationHistoryResponse, error)
}

// Poller fetches channel history incrementally, paginating by cursor and
// advancing an internal oldest-ts watermark.
type Poller struct {
	client    historyClient
	channelID string
	batchSize int
	maxPages  int
	lastTS    string
	logger    zerolog.Logger
}

// NewPoller builds a history poller. lastTS seeds the watermark, typically
// from a persisted checkpoint; empty means "from the beginning".
func NewPoller(client historyClient, channelID string, batchSize, maxPages int, lastTS string, logger zerolog.Logger) *Poller {
	if maxPages <= 0 {
		maxPages = 3
	}
	return &Poller{
		client:    client,
		channelID: channelID,
		batchSize: batchSize,
		maxPages:  maxPages,
		lastTS:    lastTS,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Receive fetches up to maxPages of history newer than the watermark and
// returns the messages sorted ascending by ts. Reactions are never emitted
// in poll mode.
func (p *Poller) Receive(ctx context.Context) (Batch, error) {
	var fetched []slack.Message
	cursor := ""
	for page := 0; page < p.maxPages; page++ {
		resp, err := p.client.History(ctx, p.channelID, p.lastTS, cursor, p.batchSize)
		if err != nil {
			return Batch{}, fmt.Errorf("polling history: %w", err)
		}
		fetched = append(fetched, resp.Messages...)
		if !resp.HasMore {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
		if cursor == "" {
			break
		}
	}

	messages := make([]Message, 0, len(fetched))
	for _, raw := range fetched {
		if raw.Timestamp == "" {
			continue
		}
		messages = append(messages, normalizeHistoryMessage(p.channelID, raw))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return tsAsFloat(messages[i].TS) < tsAsFloat(messages[j].TS)
	})

	batch := Batch{Messages: messages}
	if len(messages) > 0 {
		batch.NewestTS = messages[len(messages)-1].TS
		p.lastTS = batch.NewestTS
	}
	return batch, nil
}

// Close is a no-op; the poller holds no connection.
func (p *Poller) Close() error { return nil }

func normalizeHistoryMessage(channelID string, raw slack.Message) Message {
	user := raw.User
	if user == "" {
		user = raw.BotID
	}
	if user == "" {
		user = "unknown"
	}
	msg := Message{
		ChannelID: channelID,
		TS:        raw.Timestamp,
		ThreadTS:  raw.ThreadTimestamp,
		User:      user,
		Text:      raw.Text,
		Subtype:   raw.SubType,
	}
	for _, f := range raw.Files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		msg.Files = append(msg.Files, File{
			ID:         f.ID,
			Name:       f.Name,
			Mimetype:   f.Mimetype,
			Size:       f.Size,
			URLPrivate: url,
		})
	}
	return msg
}

func tsAsFloat(ts string) float64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return f
}
