package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// socketURLOpener negotiates a fresh WebSocket URL (apps.connections.open).
type socketURLOpener interface {
	OpenSocketURL(ctx context.Context) (string, error)
}

// wsConn is the slice of a WebSocket connection the listener uses. The
// gorilla connection satisfies it; tests substitute fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a WebSocket connection to url.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readFrame is one reader-goroutine result: a raw frame or the read error
// that ended the loop.
type readFrame struct {
	data []byte
	err  error
}

// SocketListener consumes Slack Socket Mode frames over a lazily-opened
// WebSocket. Frames are read by a dedicated goroutine feeding a channel;
// each Receive waits on that channel for at most the read timeout, so the
// connection itself never carries a read deadline. A gorilla connection
// is poisoned by any read error, deadline timeouts included, which is why
// the timeout lives in Receive and not on the socket.
type SocketListener struct {
	opener           socketURLOpener
	dial             DialFunc
	commandChannelID string
	readTimeout      time.Duration
	conn             wsConn
	frames           chan readFrame
	logger           zerolog.Logger
}

// NewSocketListener builds a socket listener; the connection opens on the
// first Receive.
func NewSocketListener(opener socketURLOpener, commandChannelID string, readTimeout time.Duration, logger zerolog.Logger) *SocketListener {
	return &SocketListener{
		opener:           opener,
		dial:             gorillaDial,
		commandChannelID: commandChannelID,
		readTimeout:      readTimeout,
		logger:           logger.With().Str("component", "socket_listener").Logger(),
	}
}

type socketEnvelope struct {
	EnvelopeID string `json:"envelope_id"`
	Type       string `json:"type"`
	Payload    struct {
		Event socketEvent `json:"event"`
	} `json:"payload"`
}

type socketEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	TS       string `json:"ts"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts"`
	Reaction string `json:"reaction"`
	Item     struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
	Files []struct {
		ID                 string `json:"id"`
		Name               string `json:"name"`
		Mimetype           string `json:"mimetype"`
		Size               int    `json:"size"`
		URLPrivateDownload string `json:"url_private_download"`
		URLPrivate         string `json:"url_private"`
	} `json:"files"`
}

// Receive waits up to the read timeout for one frame and normalizes it.
// A quiet interval produces an empty batch with the connection intact; a
// read error closes the socket and propagates, and the next call redials.
func (l *SocketListener) Receive(ctx context.Context) (Batch, error) {
	if l.conn == nil {
		if err := l.connect(ctx); err != nil {
			return Batch{}, err
		}
	}

	var data []byte
	select {
	case frame, ok := <-l.frames:
		if !ok {
			l.drop()
			return Batch{}, nil
		}
		if frame.err != nil {
			l.drop()
			return Batch{}, fmt.Errorf("socket receive: %w", frame.err)
		}
		data = frame.data
	case <-time.After(l.readTimeout):
		return Batch{}, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}

	var envelope socketEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		l.logger.Debug().Err(err).Msg("ignoring undecodable frame")
		return Batch{}, nil
	}

	if envelope.EnvelopeID != "" {
		ack, _ := json.Marshal(map[string]string{"envelope_id": envelope.EnvelopeID})
		if err := l.conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			l.drop()
			return Batch{}, fmt.Errorf("acking envelope: %w", err)
		}
	}

	if envelope.Type == "disconnect" {
		l.drop()
		return Batch{}, nil
	}

	return l.normalize(envelope.Payload.Event), nil
}

func (l *SocketListener) normalize(event socketEvent) Batch {
	var batch Batch
	switch event.Type {
	case "message":
		if event.Channel != l.commandChannelID || event.TS == "" {
			return batch
		}
		user := event.User
		if user == "" {
			user = "unknown"
		}
		msg := Message{
			ChannelID: event.Channel,
			TS:        event.TS,
			ThreadTS:  event.ThreadTS,
			User:      user,
			Text:      event.Text,
			Subtype:   event.Subtype,
		}
		for _, f := range event.Files {
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
		batch.Messages = append(batch.Messages, msg)
	case "reaction_added":
		if event.Item.Type != "message" || event.Item.Channel != l.commandChannelID {
			return batch
		}
		batch.Reactions = append(batch.Reactions, Reaction{
			ChannelID: event.Item.Channel,
			MessageTS: event.Item.TS,
			Reaction:  strings.Trim(event.Reaction, ":"),
			User:      event.User,
		})
	}
	return batch
}

func (l *SocketListener) connect(ctx context.Context) error {
	url, err := l.opener.OpenSocketURL(ctx)
	if err != nil {
		return fmt.Errorf("opening socket url: %w", err)
	}
	conn, err := l.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dialing socket: %w", err)
	}
	l.logger.Info().Msg("socket connected")
	frames := make(chan readFrame, 16)
	go readLoop(conn, frames)
	l.conn = conn
	l.frames = frames
	return nil
}

// readLoop pumps frames from the connection until a read error, then
// reports the error and closes the channel.
func readLoop(conn wsConn, frames chan<- readFrame) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			frames <- readFrame{err: err}
			return
		}
		frames <- readFrame{data: data}
	}
}

// drop closes the connection and detaches its frame channel. A drainer
// keeps consuming so the reader goroutine can deliver its final error and
// exit.
func (l *SocketListener) drop() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	if l.frames != nil {
		ch := l.frames
		l.frames = nil
		go func() {
			for range ch {
			}
		}()
	}
}

// Close tears down the connection if open.
func (l *SocketListener) Close() error {
	l.drop()
	return nil
}
