package store

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
)

type chatPresence struct {
	online map[core.UserHandle]struct{}
	typing map[core.UserHandle]struct{}
}

func newChatPresence() *chatPresence {
	return &chatPresence{
		online: make(map[core.UserHandle]struct{}),
		typing: make(map[core.UserHandle]struct{}),
	}
}

type typingKey struct {
	chatID core.ChatID
	user   core.UserHandle
}

// PresenceTracker keeps who is online and who is typing per chat.
//
// Presence is only kept for chats of interest: the active chat and the
// watched ones. A chat that drops out of interest keeps its presence for
// the retention window so switching back and forth does not lose it.
// Views of the active chat are pushed to the view handler on every change.
type PresenceTracker struct {
	mu      sync.Mutex
	chats   map[core.ChatID]*chatPresence
	watched map[core.ChatID]struct{}
	active  core.ChatID

	self   func() core.UserHandle
	onView func(core.PresenceView)

	typing       *core.TimerTable[typingKey]
	purge        *core.TimerTable[core.ChatID]
	typingExpiry time.Duration
	retention    time.Duration
	logger       *slog.Logger
}

// NewPresenceTracker creates a tracker. self returns the local user and
// onView receives the views of the active chat; both may be nil.
func NewPresenceTracker(self func() core.UserHandle, onView func(core.PresenceView), opts ...Option) *PresenceTracker {
	o := newOptions(opts)
	if self == nil {
		self = func() core.UserHandle { return "" }
	}
	if onView == nil {
		onView = func(core.PresenceView) {}
	}
	return &PresenceTracker{
		chats:        make(map[core.ChatID]*chatPresence),
		watched:      make(map[core.ChatID]struct{}),
		self:         self,
		onView:       onView,
		typing:       core.NewTimerTable[typingKey](o.clock, o.exec),
		purge:        core.NewTimerTable[core.ChatID](o.clock, o.exec),
		typingExpiry: o.typingExpiry,
		retention:    o.retention,
		logger:       o.logger,
	}
}

func (p *PresenceTracker) interested(chatID core.ChatID) bool {
	if chatID == p.active {
		return true
	}
	_, ok := p.watched[chatID]
	return ok
}

// entry returns the presence of chatID, creating it for chats of interest.
// Must be called with p.mu held.
func (p *PresenceTracker) entry(chatID core.ChatID) *chatPresence {
	if c, ok := p.chats[chatID]; ok {
		return c
	}
	if !p.interested(chatID) {
		return nil
	}
	c := newChatPresence()
	p.chats[chatID] = c
	return c
}

// release schedules chatID to be dropped once the retention window has
// elapsed. Must be called with p.mu held.
func (p *PresenceTracker) release(chatID core.ChatID) {
	if chatID == "" || p.interested(chatID) {
		return
	}
	if _, ok := p.chats[chatID]; !ok {
		return
	}
	p.purge.Reset(chatID, p.retention, func() { p.drop(chatID) })
}

func (p *PresenceTracker) drop(chatID core.ChatID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interested(chatID) {
		return
	}
	c, ok := p.chats[chatID]
	if !ok {
		return
	}
	for user := range c.typing {
		p.typing.Stop(typingKey{chatID, user})
	}
	delete(p.chats, chatID)
	p.logger.Debug(fmt.Sprintf("dropped presence of chat %s", chatID))
}

// Watch marks chatID as of interest while it is not active.
func (p *PresenceTracker) Watch(chatID core.ChatID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[chatID] = struct{}{}
	p.purge.Stop(chatID)
	p.entry(chatID)
}

func (p *PresenceTracker) Unwatch(chatID core.ChatID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, chatID)
	p.release(chatID)
}

// Activate makes chatID the active chat and pushes its current view.
func (p *PresenceTracker) Activate(chatID core.ChatID) {
	p.mu.Lock()
	prev := p.active
	p.active = chatID
	p.purge.Stop(chatID)
	p.entry(chatID)
	if prev != chatID {
		p.release(prev)
	}
	view := p.viewFor(chatID)
	p.mu.Unlock()

	p.onView(view)
}

// Deactivate clears the active chat if it is chatID.
func (p *PresenceTracker) Deactivate(chatID core.ChatID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != chatID {
		return
	}
	p.active = ""
	p.release(chatID)
}

// SetOnline replaces the online set of chatID.
func (p *PresenceTracker) SetOnline(chatID core.ChatID, users []core.UserHandle) {
	p.update(chatID, func(c *chatPresence) {
		clear(c.online)
		for _, u := range users {
			c.online[u] = struct{}{}
		}
	})
}

// OnPresence adds user to or removes user from the online set of chatID.
func (p *PresenceTracker) OnPresence(chatID core.ChatID, user core.UserHandle, online bool) {
	p.update(chatID, func(c *chatPresence) {
		if online {
			c.online[user] = struct{}{}
		} else {
			delete(c.online, user)
		}
	})
}

// OnTyping records a typing pulse. Every pulse (re)arms the expiry timer
// of the user, after which the user is cleared even if the explicit stop
// never arrives.
func (p *PresenceTracker) OnTyping(chatID core.ChatID, user core.UserHandle, isTyping bool) {
	key := typingKey{chatID, user}
	p.update(chatID, func(c *chatPresence) {
		if !isTyping {
			delete(c.typing, user)
			p.typing.Stop(key)
			return
		}
		c.typing[user] = struct{}{}
		p.typing.Reset(key, p.typingExpiry, func() {
			p.update(chatID, func(c *chatPresence) {
				delete(c.typing, user)
			})
		})
	})
}

func (p *PresenceTracker) update(chatID core.ChatID, f func(c *chatPresence)) {
	p.mu.Lock()
	c := p.entry(chatID)
	if c == nil {
		p.mu.Unlock()
		return
	}
	f(c)
	if chatID != p.active {
		p.mu.Unlock()
		return
	}
	view := p.viewFor(chatID)
	p.mu.Unlock()

	p.onView(view)
}

// ViewFor returns the presence of chatID as shown to the local user:
// the local user first, then the other online users sorted. The local
// user is never listed as typing.
func (p *PresenceTracker) ViewFor(chatID core.ChatID) core.PresenceView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewFor(chatID)
}

func (p *PresenceTracker) viewFor(chatID core.ChatID) core.PresenceView {
	self := p.self()
	view := core.PresenceView{
		ChatID: chatID,
		Online: []core.UserHandle{},
		Typing: []core.UserHandle{},
	}
	if self != "" {
		view.Online = append(view.Online, self)
	}
	c, ok := p.chats[chatID]
	if !ok {
		return view
	}
	for _, u := range slices.Sorted(maps.Keys(c.online)) {
		if u != self {
			view.Online = append(view.Online, u)
		}
	}
	for _, u := range slices.Sorted(maps.Keys(c.typing)) {
		if u != self {
			view.Typing = append(view.Typing, u)
		}
	}
	return view
}

// Reset drops all presence and pending timers. Chats of interest are
// kept empty, ready to be rebuilt from fresh events.
func (p *PresenceTracker) Reset() {
	p.typing.StopAll()
	p.purge.StopAll()

	p.mu.Lock()
	for chatID := range p.chats {
		if !p.interested(chatID) {
			delete(p.chats, chatID)
			continue
		}
		p.chats[chatID] = newChatPresence()
	}
	active := p.active
	var view core.PresenceView
	if active != "" {
		view = p.viewFor(active)
	}
	p.mu.Unlock()

	if active != "" {
		p.onView(view)
	}
}

// Tracked reports whether presence of chatID is currently kept.
func (p *PresenceTracker) Tracked(chatID core.ChatID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.chats[chatID]
	return ok
}
