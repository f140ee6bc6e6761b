package app

import (
	"sync"
	"sync/atomic"

	"github.com/putto11262002/chatsync/core"
)

// SessionState is the lifecycle of the engine's session.
type SessionState int

const (
	Idle SessionState = iota
	Initializing
	Ready
	// Halted follows an authorization failure. Commands are rejected until Resume.
	Halted
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ActiveState tracks the history load of the active chat.
type ActiveState int

const (
	ActiveNone ActiveState = iota
	ActiveLoading
	ActiveReady
)

func (s ActiveState) String() string {
	switch s {
	case ActiveNone:
		return "none"
	case ActiveLoading:
		return "loading"
	case ActiveReady:
		return "ready"
	default:
		return "unknown"
	}
}

func (s ActiveState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable view of the engine state. Version grows with
// every change.
type Snapshot struct {
	Version     uint64             `json:"version"`
	SessionID   string             `json:"session_id"`
	State       SessionState       `json:"state"`
	Conn        core.ConnState     `json:"conn"`
	User        core.UserHandle    `json:"user"`
	ActiveChat  core.ChatID        `json:"active_chat,omitempty"`
	ActiveState ActiveState        `json:"active_state"`
	Chats       []core.ChatPreview `json:"chats"`
	History     core.ChatHistory   `json:"history"`
	Presence    core.PresenceView  `json:"presence"`
	Error       string             `json:"error,omitempty"`
}

// snapshotHub hands out the latest snapshot. Subscribers that fall behind
// skip straight to the newest one.
type snapshotHub struct {
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[uint64]chan Snapshot
	nextID uint64
}

func newSnapshotHub() *snapshotHub {
	h := &snapshotHub{subs: make(map[uint64]chan Snapshot)}
	h.current.Store(&Snapshot{})
	return h
}

func (h *snapshotHub) store(s Snapshot) {
	h.current.Store(&s)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		offer(ch, s)
	}
}

// offer replaces whatever is pending in ch with s.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (h *snapshotHub) subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	ch <- *h.current.Load()
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// publish records the current state as a new snapshot. Must run on the loop.
func (e *Engine) publish() {
	prev := e.snapshots.current.Load()
	s := Snapshot{
		Version:     prev.Version + 1,
		SessionID:   e.id,
		State:       e.state,
		Conn:        e.conn,
		User:        e.session.Username(),
		ActiveChat:  e.active,
		ActiveState: e.activeState,
		Chats:       e.directory.Chats(),
		Error:       e.lastError,
	}
	if s.Chats == nil {
		s.Chats = []core.ChatPreview{}
	}
	if e.active != "" {
		s.History = e.history.HistoryOf(e.active)
		s.Presence = e.presence.ViewFor(e.active)
	}
	e.snapshots.store(s)
}

// Snapshot returns the latest state.
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshots.current.Load()
}

// Subscribe streams snapshots, starting with the current one. A slow
// reader only ever sees the latest.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	return e.snapshots.subscribe()
}
