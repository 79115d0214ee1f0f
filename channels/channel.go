// Package channels connects dupwatch to the messaging platform it monitors.
//
// A Source exposes the three primitives the tracker needs: resolving a
// channel, paging backwards through its history, and a live stream of newly
// created messages. The Discord implementation wraps discordgo; tests use
// in-memory stubs.
//
//	src, err := channels.NewDiscord(channels.DiscordConfig{Token: token})
//	if err := src.Open(); err != nil { ... }
//	d := channels.NewDispatcher(src, handler, channels.WithLogger(logger))
//	go d.Run(ctx)
package channels

import (
	"context"
	"encoding/json"
	"time"
)

// MaxPageSize is the largest page the platform returns for a history fetch.
const MaxPageSize = 100

// Message is a platform-normalized message. ID doubles as the feed position
// used for backwards pagination.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Embeds    []Embed   `json:"embeds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EmbedField is one name/value pair of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a structured block attached to a message. Only the parts used for
// identifier extraction are decoded; Raw keeps the embed exactly as the
// platform sent it so alerts can forward it untouched.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type embedAlias Embed

// MarshalJSON returns Raw when present, otherwise the decoded fields.
func (e Embed) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(embedAlias(e))
}

// UnmarshalJSON decodes the known fields and keeps a copy of the input in Raw.
func (e *Embed) UnmarshalJSON(data []byte) error {
	var a embedAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Embed(a)
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// PageOptions selects a page of channel history.
type PageOptions struct {
	// Limit caps the number of messages returned. Values outside
	// 1..MaxPageSize are clamped.
	Limit int
	// Before restricts the page to messages older than this message ID.
	// Empty means the newest messages.
	Before string
}

// ChannelStatus describes the current state of the platform connection.
type ChannelStatus struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	AuthState   string    `json:"auth_state"` // "token_set", "ready", "disconnected"
	User        string    `json:"user,omitempty"`
	LastMessage time.Time `json:"last_message"`
	Dropped     int64     `json:"dropped"`
	Error       string    `json:"error,omitempty"`
}

// Source is a connection to a messaging platform.
type Source interface {
	// Resolve checks that channelID exists and is readable. It returns
	// *ErrChannelNotFound when it does not.
	Resolve(ctx context.Context, channelID string) error

	// FetchPage returns up to opts.Limit messages of channelID, newest first.
	// Failures are reported as *ErrFetchFailed.
	FetchPage(ctx context.Context, channelID string, opts PageOptions) ([]Message, error)

	// Listen returns a read-only channel of newly created messages across
	// every channel the connection can see. The returned channel is closed
	// when ctx is cancelled or Close is called.
	Listen(ctx context.Context) <-chan Message

	// Status returns the current connection status.
	Status() ChannelStatus

	// Close shuts down the connection and releases resources.
	Close() error
}

// InboundHandler processes one live message. The Dispatcher calls it
// sequentially, in delivery order.
type InboundHandler func(ctx context.Context, msg Message)

func clampLimit(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
