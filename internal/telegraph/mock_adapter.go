package telegraph

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockAdapter is an in-memory Adapter for tests. Posts are recorded and
// inbound traffic is injected with SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	botUserID string
	sendErr   error
	sent      []OutboundMessage

	inbound chan InboundMessage
	notify  chan struct{} // pinged after every recorded post
}

// NewMockAdapter returns a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
		notify:  make(chan struct{}, 1),
	}
}

var errMockNotConnected = errors.New("mock adapter: not connected")

func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// SetSendError makes every later Send fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errMockNotConnected
	}
	return m.inbound, nil
}

func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.connected:
		return errMockNotConnected
	case m.sendErr != nil:
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.connected = false
		close(m.inbound)
	}
	return nil
}

// SimulateInbound injects msg as if the platform delivered it.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// LastSent returns the latest post, or false if nothing was sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.sent); n > 0 {
		return m.sent[n-1], true
	}
	return OutboundMessage{}, false
}

func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of every post in order.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

// WaitFor polls cond against the posts until it holds or timeout passes.
func (m *MockAdapter) WaitFor(timeout time.Duration, cond func([]OutboundMessage) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for !cond(m.AllSent()) {
		select {
		case <-m.notify:
		case <-deadline.C:
			return cond(m.AllSent())
		}
	}
	return true
}
