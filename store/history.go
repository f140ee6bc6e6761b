package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
	"golang.org/x/sync/singleflight"
)

// HistoryFetcher fetches the stored history of a chat.
type HistoryFetcher interface {
	ChatMessages(ctx context.Context, chatID core.ChatID) ([]core.Message, error)
}

type history struct {
	messages []core.Message
	ids      map[string]struct{}
	loaded   bool
}

func newHistory() *history {
	return &history{ids: make(map[string]struct{})}
}

// insert places m in order. It reports false when the id is already known.
func (h *history) insert(m core.Message) bool {
	if _, ok := h.ids[m.ID]; ok {
		return false
	}
	i, _ := slices.BinarySearchFunc(h.messages, m, core.CompareMessages)
	h.messages = slices.Insert(h.messages, i, m)
	h.ids[m.ID] = struct{}{}
	return true
}

func (h *history) snapshot(chatID core.ChatID) core.ChatHistory {
	return core.ChatHistory{
		ChatID:   chatID,
		Messages: slices.Clone(h.messages),
		Loaded:   h.loaded,
	}
}

// MessageStore caches chat histories for the session. A history is
// fetched at most once; after that it only grows through Ingest.
type MessageStore struct {
	mu        sync.RWMutex
	histories map[core.ChatID]*history

	fetcher      HistoryFetcher
	group        singleflight.Group
	fetchTimeout time.Duration
	logger       *slog.Logger
}

func NewMessageStore(fetcher HistoryFetcher, opts ...Option) *MessageStore {
	o := newOptions(opts)
	return &MessageStore{
		histories:    make(map[core.ChatID]*history),
		fetcher:      fetcher,
		fetchTimeout: o.fetchTimeout,
		logger:       o.logger,
	}
}

// Touch creates an unloaded history for chatID if none exists.
// It reports whether one was created.
func (s *MessageStore) Touch(chatID core.ChatID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[chatID]; ok {
		return false
	}
	s.histories[chatID] = newHistory()
	return true
}

// EnsureLoaded returns the history of chatID, fetching it when it was
// never loaded. Concurrent callers share one fetch, which is not
// cancelled when a single caller gives up. A failed fetch leaves the
// history unloaded and is returned as a *core.FetchError.
func (s *MessageStore) EnsureLoaded(ctx context.Context, chatID core.ChatID) (core.ChatHistory, error) {
	if h, ok := s.loaded(chatID); ok {
		return h, nil
	}
	s.Touch(chatID)

	ch := s.group.DoChan(chatID, func() (any, error) {
		if h, ok := s.loaded(chatID); ok {
			return h, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		s.logger.Debug(fmt.Sprintf("fetching history of chat %s", chatID))
		messages, err := s.fetcher.ChatMessages(fetchCtx, chatID)
		if err != nil {
			return nil, err
		}
		return s.merge(chatID, messages), nil
	})

	select {
	case <-ctx.Done():
		return core.ChatHistory{ChatID: chatID}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.logger.Warn(fmt.Sprintf("fetching history of chat %s: %v", chatID, res.Err))
			return s.HistoryOf(chatID), fetchError("fetchChatMessages", chatID, res.Err)
		}
		return res.Val.(core.ChatHistory), nil
	}
}

func (s *MessageStore) loaded(chatID core.ChatID) (core.ChatHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[chatID]
	if !ok || !h.loaded {
		return core.ChatHistory{}, false
	}
	return h.snapshot(chatID), true
}

// merge adds fetched messages to whatever was ingested while the fetch
// was in flight and marks the history loaded.
func (s *MessageStore) merge(chatID core.ChatID, messages []core.Message) core.ChatHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[chatID]
	if !ok {
		h = newHistory()
		s.histories[chatID] = h
	}
	for _, m := range messages {
		h.insert(m)
	}
	h.loaded = true
	return h.snapshot(chatID)
}

// Ingest inserts msg into the history of its chat in order. Messages
// already present are ignored; Ingest reports whether msg was new.
func (s *MessageStore) Ingest(msg core.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[msg.ChatID]
	if !ok {
		h = newHistory()
		s.histories[msg.ChatID] = h
	}
	return h.insert(msg)
}

// HistoryOf returns a copy of the history of chatID. Unknown chats
// yield an empty unloaded history.
func (s *MessageStore) HistoryOf(chatID core.ChatID) core.ChatHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[chatID]
	if !ok {
		return core.ChatHistory{ChatID: chatID}
	}
	return h.snapshot(chatID)
}

func (s *MessageStore) IsLoaded(chatID core.ChatID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[chatID]
	return ok && h.loaded
}

// LastMessage returns the newest message of chatID.
func (s *MessageStore) LastMessage(chatID core.ChatID) (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[chatID]
	if !ok || len(h.messages) == 0 {
		return core.Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}
