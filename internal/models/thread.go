package models

import "time"

// Role identifies who authored a message in a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation. At is the append time in UTC,
// truncated to microseconds so every storage backend round-trips it exactly.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Thread is a conversation's identity and ordered message history.
// Messages are append-only; ID never changes after creation.
type Thread struct {
	ID       string    `json:"thread_id"`
	ChatID   int64     `json:"chat_id"`
	Messages []Message `json:"messages"`
}

// NewThread creates an empty thread bound to id and the origin chat.
func NewThread(id string, chatID int64) *Thread {
	return &Thread{ID: id, ChatID: chatID, Messages: []Message{}}
}

// Append adds a message stamped with the current time.
func (t *Thread) Append(role Role, content string) {
	t.Messages = append(t.Messages, Message{
		Role:    role,
		Content: content,
		At:      Now(),
	})
}

// Clone returns a deep copy of t.
func (t *Thread) Clone() *Thread {
	c := &Thread{ID: t.ID, ChatID: t.ChatID}
	c.Messages = make([]Message, len(t.Messages))
	copy(c.Messages, t.Messages)
	return c
}

// Now returns the current UTC time at microsecond precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
