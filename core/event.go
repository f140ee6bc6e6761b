package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Event names shared by both directions of the socket.
const (
	TypingEvent           = "typing"
	ChatMessageEvent      = "chat-message"
	UsersOnlineEvent      = "users-online"
	UserOnlineStatusEvent = "user-online-status"
	AuthenticateEvent     = "authenticate"
)

// Event is the envelope of every frame sent over the socket.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of the given type.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Client to server payloads.

type ClientTypingPayload struct {
	ChatID   ChatID `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type ClientChatMessagePayload struct {
	ChatID      ChatID `json:"chatId" validate:"required"`
	MessageText string `json:"messageText" validate:"required,max=4000"`
}

type ClientAuthenticatePayload struct {
	AccessToken string `json:"accessToken"`
}

// Server to client payloads.

type UserPreview struct {
	ID       string     `json:"id"`
	Username UserHandle `json:"username"`
}

// ServerMessage is a stored chat message as the server encodes it, both in
// chat-message events and in history responses.
type ServerMessage struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Text      string      `json:"text"`
	ChatID    ChatID      `json:"chatId"`
	UserID    string      `json:"userId"`
	User      UserPreview `json:"user"`
}

// Message converts the wire form into a Message.
func (m ServerMessage) Message() Message {
	return Message{
		ID:     m.ID,
		ChatID: m.ChatID,
		UserID: m.UserID,
		Author: m.User.Username,
		Text:   m.Text,
		SentAt: m.Timestamp,
	}
}

type ServerTypingPayload struct {
	Username UserHandle `json:"username"`
	IsTyping bool       `json:"isTyping"`
	ChatID   ChatID     `json:"chatId"`
}

type ServerChatMessagePayload struct {
	ChatID  ChatID        `json:"chatId"`
	Message ServerMessage `json:"message"`
}

type UsersOnlinePayload struct {
	ChatID      ChatID       `json:"chatId"`
	UsersOnline []UserHandle `json:"usersOnline"`
}

type UserOnlineStatusPayload struct {
	User    UserPreview `json:"user"`
	Online  bool        `json:"online"`
	ChatIDs []ChatID    `json:"chatIds"`
}

type ServerAuthenticatePayload struct {
	Authenticated bool `json:"authenticated"`
}

// Transport carries events to and from the chat server. Reconnection and
// backoff are the transport's business; callers only see state changes.
type Transport interface {
	// Connect runs the transport until ctx is done or the credential is rejected.
	Connect(ctx context.Context) error
	// Emit queues an event for delivery.
	Emit(e *Event) error
	// Receive streams inbound events.
	Receive() <-chan *Event
	// States streams connection state transitions.
	States() <-chan ConnState
}
