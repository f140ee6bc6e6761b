package core

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerTable holds at most one pending timer per key. Resetting a key
// cancels its pending timer and arms a new one; timers never stack.
//
// Expired callbacks are handed to exec, which lets the owner run them on its
// own goroutine. A callback whose timer was reset or stopped after it expired
// but before exec ran it is dropped.
type TimerTable[K comparable] struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	exec   func(func())
	timers map[K]*timerSlot
	gen    uint64
}

type timerSlot struct {
	mu      sync.Mutex
	gen     uint64
	timer   clockwork.Timer
	stopped bool
}

func (s *timerSlot) set(timer clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		timer.Stop()
		return
	}
	s.timer = timer
}

func (s *timerSlot) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// NewTimerTable creates a table on clock. A nil exec runs callbacks on the
// clock's goroutine.
func NewTimerTable[K comparable](clock clockwork.Clock, exec func(func())) *TimerTable[K] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if exec == nil {
		exec = func(f func()) { f() }
	}
	return &TimerTable[K]{
		clock:  clock,
		exec:   exec,
		timers: make(map[K]*timerSlot),
	}
}

// Reset arms fn to run after d for key, replacing any pending timer of key.
func (t *TimerTable[K]) Reset(key K, d time.Duration, fn func()) {
	t.mu.Lock()
	t.gen++
	slot := &timerSlot{gen: t.gen}
	old := t.timers[key]
	t.timers[key] = slot
	t.mu.Unlock()

	if old != nil {
		old.stop()
	}
	gen := slot.gen
	slot.set(t.clock.AfterFunc(d, func() { t.fire(key, gen, fn) }))
}

func (t *TimerTable[K]) fire(key K, gen uint64, fn func()) {
	t.exec(func() {
		t.mu.Lock()
		slot, ok := t.timers[key]
		if !ok || slot.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
}

// Stop cancels the pending timer of key. It reports whether one was pending.
func (t *TimerTable[K]) Stop(key K) bool {
	t.mu.Lock()
	slot, ok := t.timers[key]
	delete(t.timers, key)
	t.mu.Unlock()

	if ok {
		slot.stop()
	}
	return ok
}

// StopAll cancels every pending timer without running it.
func (t *TimerTable[K]) StopAll() int {
	t.mu.Lock()
	slots := t.timers
	t.timers = make(map[K]*timerSlot)
	t.mu.Unlock()

	for _, slot := range slots {
		slot.stop()
	}
	return len(slots)
}

// Pending reports whether key has an armed timer.
func (t *TimerTable[K]) Pending(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

func (t *TimerTable[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
