package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/putto11262002/chatsync/core"
)

var baseTimeout = time.Second

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func message(chatID core.ChatID, id string, sec int) core.Message {
	return core.Message{
		ID:     id,
		ChatID: chatID,
		Author: "bob",
		Text:   fmt.Sprintf("message %s", id),
		SentAt: epoch.Add(time.Duration(sec) * time.Second),
	}
}

type fakeFetcher struct {
	calls    atomic.Int32
	release  chan struct{}
	messages map[core.ChatID][]core.Message
	err      error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{messages: make(map[core.ChatID][]core.Message)}
}

func (f *fakeFetcher) ChatMessages(ctx context.Context, chatID core.ChatID) ([]core.Message, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[chatID], nil
}

type fakeDirectoryAPI struct {
	mu         sync.Mutex
	joined     []core.ChatPreview
	global     core.ChatPreview
	joinErr    error
	createErr  error
	nextChatID string
	calls      map[string]int
}

func newFakeDirectoryAPI() *fakeDirectoryAPI {
	return &fakeDirectoryAPI{
		global:     core.ChatPreview{ChatID: "global", Title: "Global"},
		nextChatID: "new",
		calls:      make(map[string]int),
	}
}

func (f *fakeDirectoryAPI) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeDirectoryAPI) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeDirectoryAPI) Chat(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error) {
	f.record("Chat")
	switch chatID {
	case "missing":
		return core.ChatPreview{}, &core.ServerError{StatusCode: 404, Message: "Not Found"}
	case "broken":
		return core.ChatPreview{}, &core.ServerError{StatusCode: 500, Message: "Internal Server Error"}
	}
	return core.ChatPreview{ChatID: chatID, Title: "Other"}, nil
}

func (f *fakeDirectoryAPI) JoinedChats(ctx context.Context) ([]core.ChatPreview, error) {
	f.record("JoinedChats")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ChatPreview(nil), f.joined...), nil
}

func (f *fakeDirectoryAPI) GlobalChat(ctx context.Context) (core.ChatPreview, error) {
	f.record("GlobalChat")
	return f.global, nil
}

func (f *fakeDirectoryAPI) CreateChat(ctx context.Context, title string) (core.ChatPreview, error) {
	f.record("CreateChat")
	if f.createErr != nil {
		return core.ChatPreview{}, f.createErr
	}
	return core.ChatPreview{ChatID: f.nextChatID, Title: title}, nil
}

func (f *fakeDirectoryAPI) JoinGlobalChat(ctx context.Context) (core.ChatPreview, error) {
	f.record("JoinGlobalChat")
	if f.joinErr != nil {
		return core.ChatPreview{}, f.joinErr
	}
	return f.global, nil
}

type notification struct {
	kind string
	msg  string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *recordingNotifier) add(kind, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{kind, msg})
}

func (n *recordingNotifier) Loading(msg string) { n.add("loading", msg) }
func (n *recordingNotifier) Success(msg string) { n.add("success", msg) }
func (n *recordingNotifier) Error(msg string)   { n.add("error", msg) }

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.notes...)
}
