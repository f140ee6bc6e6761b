package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
	"golang.org/x/sync/singleflight"
)

// DirectoryAPI is the part of the chat server the directory talks to.
type DirectoryAPI interface {
	Chat(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error)
	JoinedChats(ctx context.Context) ([]core.ChatPreview, error)
	GlobalChat(ctx context.Context) (core.ChatPreview, error)
	CreateChat(ctx context.Context, title string) (core.ChatPreview, error)
	JoinGlobalChat(ctx context.Context) (core.ChatPreview, error)
}

type createChatInput struct {
	Title string `json:"title" validate:"required,max=100"`
}

const (
	joinedKey = "joined"
	globalKey = "global"
)

// ChatDirectory holds the chats the user joined, the preview of the global
// chat and which chat is active.
type ChatDirectory struct {
	mu           sync.RWMutex
	joined       []core.ChatPreview
	joinedLoaded bool
	global       *core.ChatPreview
	active       core.ChatID

	api          DirectoryAPI
	group        singleflight.Group
	notifier     core.Notifier
	fetchTimeout time.Duration
	logger       *slog.Logger
}

func NewChatDirectory(api DirectoryAPI, opts ...Option) *ChatDirectory {
	o := newOptions(opts)
	return &ChatDirectory{
		api:          api,
		notifier:     o.notifier,
		fetchTimeout: o.fetchTimeout,
		logger:       o.logger,
	}
}

// LoadJoinedChats returns the joined chats, fetching them on first use.
func (d *ChatDirectory) LoadJoinedChats(ctx context.Context) ([]core.ChatPreview, error) {
	d.mu.RLock()
	if d.joinedLoaded {
		joined := slices.Clone(d.joined)
		d.mu.RUnlock()
		return joined, nil
	}
	d.mu.RUnlock()
	return d.RefreshJoinedChats(ctx)
}

// RefreshJoinedChats fetches the joined chats even if they are cached.
// Chats added locally that the server does not list yet are kept.
func (d *ChatDirectory) RefreshJoinedChats(ctx context.Context) ([]core.ChatPreview, error) {
	v, err := d.shared(ctx, joinedKey, func(ctx context.Context) (any, error) {
		chats, err := d.api.JoinedChats(ctx)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		for _, local := range d.joined {
			if indexOf(chats, local.ChatID) < 0 {
				chats = append(chats, local)
			}
		}
		d.joined = chats
		d.joinedLoaded = true
		return slices.Clone(d.joined), nil
	})
	if err != nil {
		return nil, fetchError("fetchJoinedChats", "", err)
	}
	return v.([]core.ChatPreview), nil
}

// LoadGlobalChatPreview returns the preview of the global chat, fetching it
// on first use.
func (d *ChatDirectory) LoadGlobalChatPreview(ctx context.Context) (core.ChatPreview, error) {
	d.mu.RLock()
	if d.global != nil {
		global := *d.global
		d.mu.RUnlock()
		return global, nil
	}
	d.mu.RUnlock()
	return d.RefreshGlobalChatPreview(ctx)
}

func (d *ChatDirectory) RefreshGlobalChatPreview(ctx context.Context) (core.ChatPreview, error) {
	v, err := d.shared(ctx, globalKey, func(ctx context.Context) (any, error) {
		global, err := d.api.GlobalChat(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.global = &global
		d.mu.Unlock()
		return global, nil
	})
	if err != nil {
		return core.ChatPreview{}, fetchError("fetchGlobalChatPreview", "", err)
	}
	return v.(core.ChatPreview), nil
}

// shared runs fetch once for all concurrent callers of key.
func (d *ChatDirectory) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.fetchTimeout)
		defer cancel()
		return fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			d.logger.Warn(fmt.Sprintf("fetching %s chats: %v", key, res.Err))
		}
		return res.Val, res.Err
	}
}

// CreateChat creates a chat and adds it to the joined chats. Making it
// active is left to the caller. On failure nothing changes.
func (d *ChatDirectory) CreateChat(ctx context.Context, title string) (core.ChatPreview, error) {
	if err := core.Validate(createChatInput{Title: title}); err != nil {
		return core.ChatPreview{}, err
	}

	d.notifier.Loading(fmt.Sprintf("Creating chat '%s'...", title))
	chat, err := d.api.CreateChat(ctx, title)
	if err != nil {
		d.logger.Warn(fmt.Sprintf("creating chat %q: %v", title, err))
		d.notifier.Error("Could not create chat.")
		return core.ChatPreview{}, fetchError("createChat", "", err)
	}

	d.mu.Lock()
	d.add(chat)
	d.mu.Unlock()

	d.notifier.Success(fmt.Sprintf("Created chat '%s'.", chat.Title))
	return chat, nil
}

// JoinGlobalChat joins the global chat. Joining twice is a no-op that
// returns the joined chat.
func (d *ChatDirectory) JoinGlobalChat(ctx context.Context) (core.ChatPreview, error) {
	global, err := d.LoadGlobalChatPreview(ctx)
	if err != nil {
		d.notifier.Error(errorMessage(err))
		return core.ChatPreview{}, err
	}
	if chat, ok := d.Joined(global.ChatID); ok {
		return chat, nil
	}

	chat, err := d.api.JoinGlobalChat(ctx)
	if err != nil {
		d.logger.Warn(fmt.Sprintf("joining global chat: %v", err))
		fetchErr := fetchError("joinGlobalChat", global.ChatID, err)
		d.notifier.Error(errorMessage(fetchErr))
		return core.ChatPreview{}, fetchErr
	}

	d.mu.Lock()
	d.add(chat)
	d.mu.Unlock()

	d.notifier.Success(fmt.Sprintf("Successfully joined chat '%s'", chat.Title))
	return chat, nil
}

// Lookup returns a chat by id, asking the server for chats that are not
// joined. A chat the server does not know is reported as core.ErrUnknownChat.
func (d *ChatDirectory) Lookup(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error) {
	if chat, ok := d.Joined(chatID); ok {
		return chat, nil
	}
	chat, err := d.api.Chat(ctx, chatID)
	if err != nil {
		fetchErr := fetchError("fetchChat", chatID, err)
		if fetchErr.Err.StatusCode == http.StatusNotFound {
			return core.ChatPreview{}, fmt.Errorf("%w: %w", core.ErrUnknownChat, fetchErr)
		}
		return core.ChatPreview{}, fetchErr
	}
	return chat, nil
}

func (d *ChatDirectory) add(chat core.ChatPreview) {
	if indexOf(d.joined, chat.ChatID) >= 0 {
		return
	}
	d.joined = append(d.joined, chat)
}

// SetActiveChat records chatID as active and returns the previous one.
func (d *ChatDirectory) SetActiveChat(chatID core.ChatID) core.ChatID {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.active
	d.active = chatID
	return prev
}

func (d *ChatDirectory) ActiveChat() (core.ChatID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active, d.active != ""
}

// Joined returns the joined chat with chatID.
func (d *ChatDirectory) Joined(chatID core.ChatID) (core.ChatPreview, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := indexOf(d.joined, chatID)
	if i < 0 {
		return core.ChatPreview{}, false
	}
	return d.joined[i], true
}

// Chats returns a copy of the joined chats.
func (d *ChatDirectory) Chats() []core.ChatPreview {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.joined)
}

// UpdatePreview sets msg as the last message of its chat if it is newer
// than the current one. It reports whether a preview changed.
func (d *ChatDirectory) UpdatePreview(msg core.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := indexOf(d.joined, msg.ChatID)
	if i < 0 {
		return false
	}
	if last := d.joined[i].LastMessage; last != nil && core.CompareMessages(*last, msg) >= 0 {
		return false
	}
	d.joined[i].LastMessage = &msg
	return true
}

func indexOf(chats []core.ChatPreview, chatID core.ChatID) int {
	return slices.IndexFunc(chats, func(c core.ChatPreview) bool {
		return c.ChatID == chatID
	})
}

func errorMessage(err error) string {
	var serverErr *core.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Message
	}
	return err.Error()
}
