// Package listener turns Slack channel activity into normalized batches of
// messages and reactions. Two implementations share one contract: a history
// poller and a Socket Mode WebSocket stream.
package listener

import "context"

// File describes an attachment on a command message.
type File struct {
	ID         string
	Name       string
	Mimetype   string
	Size       int
	URLPrivate string
}

// Message is a normalized channel message.
type Message struct {
	ChannelID string
	TS        string
	ThreadTS  string
	User      string
	Text      string
	Subtype   string
	Files     []File
}

// Reaction is a normalized reaction_added event on a message.
type Reaction struct {
	ChannelID string
	MessageTS string
	Reaction  string
	User      string
}

// Batch is one listener read. Poll batches carry no reactions; NewestTS is
// set by the poller so the caller can advance its checkpoint.
type Batch struct {
	Messages  []Message
	Reactions []Reaction
	NewestTS  string
}

// Listener is the single ingestion contract the orchestrator drives.
type Listener interface {
	Receive(ctx context.Context) (Batch, error)
	Close() error
}
