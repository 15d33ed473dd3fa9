// Package telegraph bridges chat platforms (Slack, Discord) to the
// orchestrator: inbound chat messages become thread turns, replies and
// subtask results are posted back into the conversation they belong to.
package telegraph

import (
	"context"
	"time"
)

// Adapter is one chat platform connection.
type Adapter interface {
	Connect(ctx context.Context) error
	// Listen starts receiving. The returned channel closes on Close.
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// BotUserIDer is implemented by adapters that know the bot's own user id,
// letting the router drop the bot's echoes of its own posts.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage is a chat message addressed to Roundhouse. ThreadID is
// empty for a top-level channel message on platforms without implicit
// threads.
type InboundMessage struct {
	Platform  string
	ChannelID string
	ThreadID  string
	MessageID string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is a post. An empty ChannelID means the adapter's default
// channel; an empty ThreadID posts top-level.
type OutboundMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
	Events    []FormattedEvent
}

// FormattedEvent renders as a Slack attachment or a Discord embed.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // success, info, warning, error
	Color    string // hex, e.g. "#36a64f"
	Fields   []Field
}

// Field is one labelled value on a FormattedEvent. Short fields may be laid
// out side by side.
type Field struct {
	Name  string
	Value string
	Short bool
}
