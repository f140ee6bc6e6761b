package api

import (
	"context"
	"net/url"

	"github.com/putto11262002/chatsync/core"
)

// ChatRoomPreview is a chat as listed by the server.
type ChatRoomPreview struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	LastMessage *core.ServerMessage `json:"lastMessage,omitempty"`
}

func (p ChatRoomPreview) Preview() core.ChatPreview {
	preview := core.ChatPreview{ChatID: p.ID, Title: p.Title}
	if p.LastMessage != nil {
		m := p.LastMessage.Message()
		preview.LastMessage = &m
	}
	return preview
}

type CreateChatPayload struct {
	Title string `json:"title" validate:"required,max=100"`
}

type JoinChatResponse struct {
	SuccessMessage string          `json:"successMessage"`
	ChatRoom       ChatRoomPreview `json:"chatRoom"`
}

func chatPath(chatID core.ChatID) string {
	return "/chats/chat/" + url.PathEscape(chatID)
}

// Chat fetches a single chat.
func (c *Client) Chat(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error) {
	var res ChatRoomPreview
	if err := c.Get(ctx, chatPath(chatID), &res); err != nil {
		return core.ChatPreview{}, err
	}
	return res.Preview(), nil
}

// ChatMessages fetches the stored history of a chat.
func (c *Client) ChatMessages(ctx context.Context, chatID core.ChatID) ([]core.Message, error) {
	var res []core.ServerMessage
	if err := c.Get(ctx, chatPath(chatID)+"/messages", &res); err != nil {
		return nil, err
	}
	messages := make([]core.Message, 0, len(res))
	for _, m := range res {
		msg := m.Message()
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (c *Client) CreateChat(ctx context.Context, title string) (core.ChatPreview, error) {
	var res ChatRoomPreview
	if err := c.Post(ctx, "/chats/chat", CreateChatPayload{Title: title}, &res); err != nil {
		return core.ChatPreview{}, err
	}
	return res.Preview(), nil
}

func (c *Client) JoinedChats(ctx context.Context) ([]core.ChatPreview, error) {
	var res []ChatRoomPreview
	if err := c.Get(ctx, "/chats/joined", &res); err != nil {
		return nil, err
	}
	previews := make([]core.ChatPreview, 0, len(res))
	for _, p := range res {
		previews = append(previews, p.Preview())
	}
	return previews, nil
}

func (c *Client) GlobalChat(ctx context.Context) (core.ChatPreview, error) {
	var res ChatRoomPreview
	if err := c.Get(ctx, "/chats/globalChat", &res); err != nil {
		return core.ChatPreview{}, err
	}
	return res.Preview(), nil
}

func (c *Client) JoinGlobalChat(ctx context.Context) (core.ChatPreview, error) {
	var res JoinChatResponse
	if err := c.Post(ctx, "/chats/globalChat/join", nil, &res); err != nil {
		return core.ChatPreview{}, err
	}
	return res.ChatRoom.Preview(), nil
}
