package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/putto11262002/chatsync/core"
)

const subscriptionBuffer = 64

type subscription[T any] struct {
	id   uint64
	ch   chan T
	done chan struct{}
	once sync.Once
}

func newSubscription[T any](id uint64) *subscription[T] {
	return &subscription[T]{
		id:   id,
		ch:   make(chan T, subscriptionBuffer),
		done: make(chan struct{}),
	}
}

func (s *subscription[T]) cancel() {
	s.once.Do(func() { close(s.done) })
}

// Channel is the typed event stream between the client and the chat server.
// It demultiplexes inbound events by type to any number of subscribers and
// re-authenticates the socket every time the transport (re)connects.
type Channel struct {
	transport core.Transport
	session   core.Session
	logger    *slog.Logger

	subs      *core.SyncMap[string, []*subscription[json.RawMessage]]
	stateSubs *core.SyncMap[uint64, *subscription[core.ConnState]]
	nextID    atomic.Uint64
	state     atomic.Int32
}

func NewChannel(transport core.Transport, session core.Session, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		transport: transport,
		session:   session,
		logger:    logger.With(slog.String("component", "channel")),
		subs:      core.NewSyncMap[string, []*subscription[json.RawMessage]](),
		stateSubs: core.NewSyncMap[uint64, *subscription[core.ConnState]](),
	}
	c.state.Store(int32(core.Disconnected))
	return c
}

// Connect runs the transport and dispatches its events until ctx is done.
// Transport failures only show up as state transitions; the returned error
// is an authorization failure or nil.
func (c *Channel) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dispatch(ctx)
	}()

	err := c.transport.Connect(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Send marshals payload and hands it to the transport.
func (c *Channel) Send(eventType string, payload any) error {
	e, err := core.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	if err := c.transport.Emit(e); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// Subscribe returns a fresh stream of payloads for eventType. The stream is
// infinite; cancel detaches it.
func (c *Channel) Subscribe(eventType string) (<-chan json.RawMessage, func()) {
	sub := newSubscription[json.RawMessage](c.nextID.Add(1))
	c.subs.Update(eventType, func(subs []*subscription[json.RawMessage], _ bool) ([]*subscription[json.RawMessage], bool) {
		next := make([]*subscription[json.RawMessage], 0, len(subs)+1)
		next = append(next, subs...)
		return append(next, sub), true
	})

	return sub.ch, func() {
		sub.cancel()
		c.subs.Update(eventType, func(subs []*subscription[json.RawMessage], _ bool) ([]*subscription[json.RawMessage], bool) {
			next := make([]*subscription[json.RawMessage], 0, len(subs))
			for _, s := range subs {
				if s.id != sub.id {
					next = append(next, s)
				}
			}
			return next, len(next) > 0
		})
	}
}

// States returns a fresh stream of connection states, starting with the current one.
func (c *Channel) States() (<-chan core.ConnState, func()) {
	sub := newSubscription[core.ConnState](c.nextID.Add(1))
	sub.ch <- c.State()
	c.stateSubs.Store(sub.id, sub)
	return sub.ch, func() {
		sub.cancel()
		c.stateSubs.Delete(sub.id)
	}
}

func (c *Channel) State() core.ConnState {
	return core.ConnState(c.state.Load())
}

func (c *Channel) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.transport.Receive():
			c.publish(ctx, e)
		case s := <-c.transport.States():
			c.state.Store(int32(s))
			c.logger.Info("connection state", slog.String("state", s.String()))
			if s == core.Connected {
				c.authenticate()
			}
			c.stateSubs.Range(func(_ uint64, sub *subscription[core.ConnState]) bool {
				select {
				case sub.ch <- s:
				case <-sub.done:
				default:
					c.logger.Warn("state subscriber is lagging, dropping transition")
				}
				return true
			})
		}
	}
}

// publish delivers e to every subscriber of its type in order. A slow
// subscriber holds up the stream rather than losing events.
func (c *Channel) publish(ctx context.Context, e *core.Event) {
	subs, ok := c.subs.Load(e.Type)
	if !ok {
		c.logger.Debug("no subscriber", slog.String("event", e.Type))
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- e.Payload:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) authenticate() {
	token, ok := c.session.Token()
	if !ok {
		return
	}
	if err := c.Send(core.AuthenticateEvent, core.ClientAuthenticatePayload{AccessToken: token}); err != nil {
		c.logger.Error(err.Error())
	}
}
