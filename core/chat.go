package core

import (
	"cmp"
	"time"
)

// ChatID identifies a chat room.
type ChatID = string

// UserHandle identifies a user. It doubles as the display name.
type UserHandle = string

// Message is a chat message as confirmed by the server.
// Messages are immutable once created and identified by ID within their chat.
type Message struct {
	ID     string     `json:"id"`
	ChatID ChatID     `json:"chat_id"`
	UserID string     `json:"user_id"`
	Author UserHandle `json:"author"`
	Text   string     `json:"text"`
	SentAt time.Time  `json:"sent_at"`
}

// CompareMessages orders messages by send time, ties broken by id.
func CompareMessages(a, b Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ChatHistory is the ordered message history of a chat.
// Loaded is false until the history has been fetched once. An empty loaded
// history is a valid state distinct from an unloaded one.
type ChatHistory struct {
	ChatID   ChatID    `json:"chat_id"`
	Messages []Message `json:"messages"`
	Loaded   bool      `json:"loaded"`
}

// ChatPreview summarises a chat for directory listings.
type ChatPreview struct {
	ChatID      ChatID   `json:"chat_id"`
	Title       string   `json:"title"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// PresenceView is what presentation layers see of a chat's presence.
// Online always starts with the local user.
type PresenceView struct {
	ChatID ChatID       `json:"chat_id"`
	Online []UserHandle `json:"online"`
	Typing []UserHandle `json:"typing"`
}

// ConnState is the state of the realtime connection.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
