package telegraph

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/orchestrator"
	"go.uber.org/zap"
)

// Handler processes one conversational turn. *orchestrator.Orchestrator
// implements it.
type Handler interface {
	HandleMessage(ctx context.Context, originID int64, threadID, text string) string
}

// mentionRe matches Slack (<@U123>) and Discord (<@123>, <@!123>) mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// route remembers where a thread's conversation lives on the platform.
type route struct {
	channelID string
	threadID  string
}

// lane is the FIFO backlog of turns for one thread.
type lane struct {
	pending []func()
}

// Router turns inbound chat messages into orchestrator calls. Turns of one
// conversation are delivered in arrival order; control commands skip the
// queue so /kill can reach a thread whose turn is still running.
type Router struct {
	handler Handler
	adapter Adapter
	prefix  string
	logger  *zap.Logger

	ackMu   sync.Mutex
	ackDeck []string // shuffled phrases, popped from end

	routeMu sync.Mutex
	routes  map[string]route

	laneMu sync.Mutex
	lanes  map[string]*lane
	wg     sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler       Handler
	Adapter       Adapter
	CommandPrefix string // defaults to "/"
	Logger        *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: router: handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handler: opts.Handler,
		adapter: opts.Adapter,
		prefix:  prefix,
		logger:  logger,
		routes:  make(map[string]route),
		lanes:   make(map[string]*lane),
	}, nil
}

// Handle classifies and routes a single inbound message. It returns without
// waiting for the reply. Routing paths:
//  1. Bot self-message or empty text → ignore
//  2. Command prefix → handled immediately on its own goroutine
//  3. Everything else → ack, then queued on the thread's lane
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}
	text := cleanText(msg.Text)
	if text == "" {
		return
	}

	threadID := resolveThreadID(msg.ChannelID, msg.ThreadID)
	key := ThreadKey(msg.Platform, msg.ChannelID, threadID)
	r.remember(key, msg.ChannelID, threadID)

	r.logger.Debug("inbound message",
		zap.String("thread", key),
		zap.String("user", msg.UserName),
		zap.String("text", truncate(text, 80)))

	turn := func() {
		reply := r.handler.HandleMessage(ctx, OriginID(msg.ChannelID), key, text)
		r.reply(ctx, msg.ChannelID, threadID, reply)
	}

	if strings.HasPrefix(text, r.prefix) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			turn()
		}()
		return
	}

	r.sendAck(ctx, msg.ChannelID, threadID)
	r.enqueue(key, turn)
}

// Wait blocks until every queued turn has been processed.
func (r *Router) Wait() {
	r.wg.Wait()
}

// enqueue appends job to the lane for key, starting a drainer if the lane
// was idle.
func (r *Router) enqueue(key string, job func()) {
	r.laneMu.Lock()
	if l, ok := r.lanes[key]; ok {
		l.pending = append(l.pending, job)
		r.laneMu.Unlock()
		return
	}
	r.lanes[key] = &lane{}
	r.wg.Add(1)
	r.laneMu.Unlock()

	go r.drain(key, job)
}

func (r *Router) drain(key string, job func()) {
	defer r.wg.Done()
	for {
		job()

		r.laneMu.Lock()
		l := r.lanes[key]
		if len(l.pending) == 0 {
			delete(r.lanes, key)
			r.laneMu.Unlock()
			return
		}
		job = l.pending[0]
		l.pending = l.pending[1:]
		r.laneMu.Unlock()
	}
}

// reply posts text into the conversation, split to fit the platform limit.
func (r *Router) reply(ctx context.Context, channelID, threadID, text string) {
	for _, chunk := range SplitMessage(text, MaxMessageLen) {
		if err := r.adapter.Send(ctx, OutboundMessage{
			ChannelID: channelID,
			ThreadID:  replyThread(channelID, threadID),
			Text:      chunk,
		}); err != nil {
			r.logger.Warn("send reply", zap.String("channel", channelID), zap.Error(err))
			return
		}
	}
}

func (r *Router) remember(key, channelID, threadID string) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()
	r.routes[key] = route{channelID: channelID, threadID: threadID}
}

// DeliverSubtask posts a finished subtask into the conversation that
// spawned it. Subtasks from threads never seen on this platform (scheduled
// or API-spawned) go to the adapter's default channel.
func (r *Router) DeliverSubtask(st orchestrator.Subtask) {
	r.routeMu.Lock()
	rt, ok := r.routes[st.ParentThreadID]
	r.routeMu.Unlock()

	msg := OutboundMessage{Events: []FormattedEvent{FormatSubtask(st)}}
	if ok {
		msg.ChannelID = rt.channelID
		msg.ThreadID = replyThread(rt.channelID, rt.threadID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.adapter.Send(ctx, msg); err != nil {
		r.logger.Warn("deliver subtask result", zap.String("subtask", st.ID), zap.Error(err))
	}
}

// resolveThreadID returns the effective thread ID for a message. For
// top-level channel messages (empty threadID), the channel ID is used so
// that the whole channel is one conversation.
func resolveThreadID(channelID, threadID string) string {
	if threadID == "" {
		return channelID
	}
	return threadID
}

// replyThread maps a resolved thread id back to the platform thread to
// reply in; channel-level conversations reply top-level.
func replyThread(channelID, threadID string) string {
	if threadID == channelID {
		return ""
	}
	return threadID
}

// ackPhrases are the random acknowledgment messages the bot sends when it
// hands a message to a worker.
var ackPhrases = []string{
	"On it.",
	"Looking into it...",
	"Copy that, working on it now.",
	"Roger that. Give me a sec.",
	"Let me see what I can do.",
	"Already on it.",
	"Hold tight...",
	"Working on it.",
}

// sendAck sends a random acknowledgment so the user knows the message was
// received. It cycles through all phrases in shuffled order before
// repeating any.
func (r *Router) sendAck(ctx context.Context, channelID, threadID string) {
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: channelID,
		ThreadID:  replyThread(channelID, threadID),
		Text:      r.nextAck(),
	}); err != nil {
		r.logger.Warn("send ack", zap.Error(err))
	}
}

// nextAck returns the next ack phrase from the shuffled deck. When the deck
// is exhausted it reshuffles, guaranteeing every phrase is used before repeats.
func (r *Router) nextAck() string {
	r.ackMu.Lock()
	defer r.ackMu.Unlock()

	if len(r.ackDeck) == 0 {
		r.ackDeck = make([]string, len(ackPhrases))
		copy(r.ackDeck, ackPhrases)
		rand.Shuffle(len(r.ackDeck), func(i, j int) {
			r.ackDeck[i], r.ackDeck[j] = r.ackDeck[j], r.ackDeck[i]
		})
	}

	phrase := r.ackDeck[len(r.ackDeck)-1]
	r.ackDeck = r.ackDeck[:len(r.ackDeck)-1]
	return phrase
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	bui, ok := r.adapter.(BotUserIDer)
	if !ok {
		return false
	}
	botID := bui.BotUserID()
	return botID != "" && msg.UserID == botID
}
