// Package slack connects the telegraph router to Slack over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/roundhouse/internal/telegraph"
	"go.uber.org/zap"
)

const (
	maxRetries           = 3               // extra attempts for a rate-limited post
	baseBackoff          = 2 * time.Second // first reconnect delay
	maxBackoff           = 2 * time.Minute // reconnect delay ceiling
	maxReconnectAttempts = 10              // socket runs before giving up
	seenCapacity         = 512             // message keys remembered for dedupe
	inboundBuffer        = 100
)

// slackClient is the subset of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the subset of the Socket Mode client the adapter calls.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeClient struct{ *socketmode.Client }

func (c socketModeClient) EventsChan() chan socketmode.Event { return c.Events }

// Adapter is the Slack implementation of telegraph.Adapter.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string // where posts without a channel go
	logger    *zap.Logger

	mu         sync.Mutex
	botUserID  string
	connected  bool
	closed     bool
	cancelFunc context.CancelFunc

	// inMu guards sends on inbound against Close.
	inMu     sync.Mutex
	inClosed bool
	inbound  chan telegraph.InboundMessage

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int

	// Slack delivers a bot mention twice, as message and app_mention.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// AdapterOpts configures New. Client and Socket replace the real Slack
// clients in tests.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token
	BotToken  string // xoxb-... bot token
	ChannelID string
	Logger    *zap.Logger

	Client slackClient
	Socket socketClient
}

// New validates opts and returns an unconnected Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		logger:       logger.Named("slack"),
		inbound:      make(chan telegraph.InboundMessage, inboundBuffer),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
		seen:         make(map[string]struct{}),
	}, nil
}

// Connect authenticates the bot and records its user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.connected:
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = socketModeClient{socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	a.logger.Info("authenticated", zap.String("bot_user", auth.UserID))
	return nil
}

// Listen starts the socket and returns the inbound message stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Send posts msg, falling back to the default channel.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := a.client.PostMessage(channelID, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close stops the socket and closes the inbound stream. Safe to call twice.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel := a.cancelFunc
	a.mu.Unlock()

	// Cancelling first releases a deliver blocked on a full inbound channel.
	if cancel != nil {
		cancel()
	}
	a.inMu.Lock()
	a.inClosed = true
	close(a.inbound)
	a.inMu.Unlock()
	return nil
}

// BotUserID returns the bot's own user id once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect reruns the socket client after failures with capped
// exponential backoff. A nil error from Run means a clean stop.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := a.baseBackoff << attempt
		if wait > a.maxBackoff || wait <= 0 {
			wait = a.maxBackoff
		}
		a.logger.Warn("socket mode disconnected",
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.logger.Error("socket mode gave up reconnecting", zap.Int("attempts", a.maxReconnect))
}

func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if payload.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := payload.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Edits, joins and other bots are not conversation turns.
			if ev.BotID != "" || ev.SubType != "" {
				return
			}
			a.deliver(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text)
		case *slackevents.AppMentionEvent:
			a.deliver(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text)
		}
	case socketmode.EventTypeConnecting:
		a.logger.Debug("socket mode connecting")
	case socketmode.EventTypeConnected:
		a.logger.Info("socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.logger.Warn("socket mode connection error", zap.Any("data", evt.Data))
	case socketmode.EventTypeDisconnect:
		a.logger.Info("socket mode disconnect requested")
	}
}

// deliver queues one inbound message. A top-level message opens a thread
// keyed by its own ts so the reply lands in that thread.
func (a *Adapter) deliver(ctx context.Context, channelID, threadTS, ts, userID, text string) {
	if userID == a.BotUserID() {
		return
	}
	if !a.markSeen(channelID + "/" + ts) {
		return
	}
	if threadTS == "" {
		threadTS = ts
	}
	msg := telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channelID,
		ThreadID:  threadTS,
		MessageID: ts,
		UserID:    userID,
		UserName:  a.resolveUserName(userID),
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
	}

	a.inMu.Lock()
	defer a.inMu.Unlock()
	if a.inClosed {
		return
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// markSeen records key and reports whether it was new. The oldest keys are
// forgotten past seenCapacity.
func (a *Adapter) markSeen(key string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}
	a.seenOrder = append(a.seenOrder, key)
	if len(a.seenOrder) > seenCapacity {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
	return true
}

// resolveUserName prefers the display name, then the real name, then the id.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	switch {
	case err != nil:
		return userID
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName
	case user.RealName != "":
		return user.RealName
	default:
		return userID
	}
}

func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if len(msg.Events) > 0 {
		atts := make([]slackapi.Attachment, 0, len(msg.Events))
		for _, evt := range msg.Events {
			atts = append(atts, eventToAttachment(evt))
		}
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	if msg.Text != "" || len(msg.Events) == 0 {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	return opts
}

func eventToAttachment(evt telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// retryOnRateLimit retries fn while Slack answers with a rate limit, waiting
// the RetryAfter Slack asks for.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var rle *slackapi.RateLimitedError
		if err == nil || !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp reads the seconds part of a Slack ts ("1700000000.000100").
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
