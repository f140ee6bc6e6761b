package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/store"
	"golang.org/x/sync/errgroup"
)

// ErrEngineStopped is returned by commands issued after Run returned.
var ErrEngineStopped = errors.New("engine stopped")

// EventChannel is the realtime side of the chat server.
type EventChannel interface {
	Connect(ctx context.Context) error
	Send(eventType string, payload any) error
	Subscribe(eventType string) (<-chan json.RawMessage, func())
	States() (<-chan core.ConnState, func())
}

// ChatAPI is the request/response side of the chat server.
type ChatAPI interface {
	store.HistoryFetcher
	store.DirectoryAPI
}

const (
	DefaultTypingStopDelay = 2 * time.Second
	queueSize              = 256
)

// Engine keeps the local read model of the chat server in sync.
//
// Inbound events, timer expiries and command decisions all run on a single
// goroutine reading a queue of closures, so they never interleave. HTTP
// calls are made off that goroutine. Readers get immutable snapshots.
type Engine struct {
	id        string
	channel   EventChannel
	session   core.Session
	history   *store.MessageStore
	presence  *store.PresenceTracker
	directory *store.ChatDirectory
	notifier  core.Notifier
	logger    *slog.Logger

	queue  chan func()
	done   chan struct{}
	resume chan struct{}
	bg     sync.WaitGroup

	sessMu      sync.Mutex
	stopSession context.CancelFunc

	// owned by the loop
	state       SessionState
	conn        core.ConnState
	active      core.ChatID
	activeState ActiveState
	lastError   string
	typingOpen  map[core.ChatID]bool
	typingStop  *core.TimerTable[core.ChatID]
	stopDelay   time.Duration

	snapshots *snapshotHub
}

type engineOptions struct {
	logger       *slog.Logger
	clock        clockwork.Clock
	notifier     core.Notifier
	stopDelay    time.Duration
	typingExpiry time.Duration
	retention    time.Duration
	fetchTimeout time.Duration
}

type EngineOption func(*engineOptions)

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = l
	}
}

func WithClock(c clockwork.Clock) EngineOption {
	return func(o *engineOptions) {
		o.clock = c
	}
}

func WithNotifier(n core.Notifier) EngineOption {
	return func(o *engineOptions) {
		o.notifier = n
	}
}

// WithTypingStopDelay sets how long after the last keystroke the local
// user is reported as no longer typing.
func WithTypingStopDelay(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.stopDelay = d
	}
}

// WithTypingExpiry sets how long a remote user is shown typing without a
// fresh typing event.
func WithTypingExpiry(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.typingExpiry = d
	}
}

func WithRetention(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.retention = d
	}
}

func WithFetchTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.fetchTimeout = d
	}
}

func NewEngine(channel EventChannel, api ChatAPI, session core.Session, opts ...EngineOption) *Engine {
	o := engineOptions{
		logger:       slog.Default(),
		clock:        clockwork.NewRealClock(),
		notifier:     core.NopNotifier{},
		stopDelay:    DefaultTypingStopDelay,
		typingExpiry: store.DefaultTypingExpiry,
		retention:    store.DefaultRetentionWindow,
		fetchTimeout: store.DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	e := &Engine{
		id:         id,
		channel:    channel,
		session:    session,
		notifier:   o.notifier,
		logger:     o.logger.With(slog.String("session", id)),
		queue:      make(chan func(), queueSize),
		done:       make(chan struct{}),
		resume:     make(chan struct{}, 1),
		conn:       core.Disconnected,
		typingOpen: make(map[core.ChatID]bool),
		stopDelay:  o.stopDelay,
		snapshots:  newSnapshotHub(),
	}
	e.typingStop = core.NewTimerTable[core.ChatID](o.clock, e.post)

	storeOpts := []store.Option{
		store.WithLogger(e.logger),
		store.WithClock(o.clock),
		store.WithExecutor(e.post),
		store.WithNotifier(o.notifier),
		store.WithFetchTimeout(o.fetchTimeout),
		store.WithTypingExpiry(o.typingExpiry),
		store.WithRetention(o.retention),
	}
	e.history = store.NewMessageStore(api, storeOpts...)
	e.directory = store.NewChatDirectory(api, storeOpts...)
	e.presence = store.NewPresenceTracker(session.Username, func(core.PresenceView) {
		e.publish()
	}, storeOpts...)

	e.publish()
	return e
}

// ID identifies this engine in logs.
func (e *Engine) ID() string {
	return e.id
}

// Run processes events and commands until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.loop(ctx)
	})

	forward(g, ctx, e, core.ChatMessageEvent, e.onChatMessage)
	forward(g, ctx, e, core.TypingEvent, e.onTyping)
	forward(g, ctx, e, core.UsersOnlineEvent, e.onUsersOnline)
	forward(g, ctx, e, core.UserOnlineStatusEvent, e.onUserOnlineStatus)
	forward(g, ctx, e, core.AuthenticateEvent, e.onAuthenticate)

	states, cancelStates := e.channel.States()
	g.Go(func() error {
		defer cancelStates()
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-states:
				e.post(func() { e.onConnState(s) })
			}
		}
	})

	g.Go(func() error {
		return e.runSessions(ctx)
	})

	err := g.Wait()
	e.bg.Wait()
	e.typingStop.StopAll()
	return err
}

// forward decodes every payload of eventType and hands it to handle on the loop.
func forward[T any](g *errgroup.Group, ctx context.Context, e *Engine, eventType string, handle func(T)) {
	payloads, cancel := e.channel.Subscribe(eventType)
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case raw := <-payloads:
				var payload T
				if err := json.Unmarshal(raw, &payload); err != nil {
					e.logger.Warn(fmt.Sprintf("malformed %s payload: %v", eventType, err),
						slog.String("event", eventType))
					continue
				}
				e.post(func() { handle(payload) })
			}
		}
	})
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-e.queue:
			f()
		}
	}
}

// post queues f to run on the loop. It is dropped once the loop stopped.
func (e *Engine) post(f func()) {
	select {
	case e.queue <- f:
	case <-e.done:
	}
}

// call runs f on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, f func() error) error {
	res := make(chan error, 1)
	select {
	case e.queue <- func() { res <- f() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

// background runs f off the loop. Run waits for it before returning.
func (e *Engine) background(ctx context.Context, f func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		f(ctx)
	}()
}

// runSessions connects the channel and initializes the directory once per
// session. After the session halts it waits for Resume.
func (e *Engine) runSessions(ctx context.Context) error {
	for {
		if _, ok := e.session.Token(); ok {
			sessCtx, cancel := context.WithCancel(ctx)
			e.sessMu.Lock()
			e.stopSession = cancel
			e.sessMu.Unlock()

			e.background(sessCtx, e.initialize)
			err := e.channel.Connect(sessCtx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				e.logger.Error(fmt.Sprintf("channel: %v", err))
				if core.IsUnauthorized(err) {
					e.post(func() { e.halt("socket handshake rejected") })
				}
			}
		} else {
			e.post(func() { e.halt("no credential") })
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.resume:
		}
	}
}

func (e *Engine) initialize(ctx context.Context) {
	e.post(func() {
		if e.state == Halted {
			return
		}
		e.state = Initializing
		e.publish()
	})

	chats, err := e.directory.LoadJoinedChats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error(fmt.Sprintf("loading joined chats: %v", err))
			e.post(func() {
				if e.state == Halted {
					return
				}
				e.state = Idle
				e.fail(err)
			})
		}
		return
	}
	if _, err := e.directory.LoadGlobalChatPreview(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn(fmt.Sprintf("loading global chat: %v", err))
	}

	e.post(func() {
		if e.state == Halted {
			return
		}
		for _, chat := range chats {
			e.history.Touch(chat.ChatID)
			e.presence.Watch(chat.ChatID)
		}
		e.state = Ready
		e.logger.Info(fmt.Sprintf("session ready with %d chats", len(chats)))
		e.publish()
	})
}

// Unauthorized ends the session. It is safe to call from any goroutine.
func (e *Engine) Unauthorized() {
	e.post(func() { e.halt("request rejected with 401") })
}

// halt logs out, cancels pending typing timers without firing them and
// stops the channel. Commands are rejected until Resume.
func (e *Engine) halt(reason string) {
	if e.state == Halted {
		return
	}
	e.logger.Warn(fmt.Sprintf("session halted: %s", reason))
	e.state = Halted
	e.activeState = ActiveNone
	e.lastError = reason
	e.typingStop.StopAll()
	clear(e.typingOpen)
	e.presence.Reset()
	e.session.Logout()

	e.sessMu.Lock()
	if e.stopSession != nil {
		e.stopSession()
	}
	e.sessMu.Unlock()
	e.publish()
}

// Resume restarts a halted session once the session has a credential again.
func (e *Engine) Resume(ctx context.Context) error {
	if _, ok := e.session.Token(); !ok {
		return &core.AuthorizationError{Reason: "no credential"}
	}
	return e.call(ctx, func() error {
		if e.state != Halted {
			return nil
		}
		e.state = Idle
		e.lastError = ""
		e.publish()
		select {
		case e.resume <- struct{}{}:
		default:
		}
		return nil
	})
}

func (e *Engine) authorized() error {
	if e.state == Halted {
		return &core.AuthorizationError{Reason: "session ended"}
	}
	return nil
}

func (e *Engine) activeUser() (core.UserHandle, error) {
	if err := e.authorized(); err != nil {
		return "", err
	}
	user := e.session.Username()
	if user == "" {
		return "", &core.ValidationError{Field: "user", Reason: core.ErrInactiveUser.Error(), Err: core.ErrInactiveUser}
	}
	return user, nil
}

// Send emits a chat message. The message shows up in the history only once
// the server echoes it back.
func (e *Engine) Send(ctx context.Context, chatID core.ChatID, text string) error {
	return e.call(ctx, func() error {
		if _, err := e.activeUser(); err != nil {
			return err
		}
		payload := core.ClientChatMessagePayload{ChatID: chatID, MessageText: text}
		if strings.TrimSpace(text) == "" {
			return &core.ValidationError{Field: "messageText", Reason: "required"}
		}
		if err := core.Validate(payload); err != nil {
			return err
		}
		if !e.history.IsLoaded(chatID) {
			return &core.ValidationError{Field: "chatId", Reason: core.ErrChatNotLoaded.Error(), Err: core.ErrChatNotLoaded}
		}

		// the typing pulse ends with the send attempt, whether or not it went out
		defer e.stopTyping(chatID)
		if err := e.channel.Send(core.ChatMessageEvent, payload); err != nil {
			return e.emitFailed(fmt.Errorf("send message: %w", err))
		}
		return nil
	})
}

// NotifyTyping reports a keystroke in chatID. The first keystroke emits
// typing=true; typing=false follows once no keystroke came for the stop
// delay.
func (e *Engine) NotifyTyping(ctx context.Context, chatID core.ChatID) error {
	return e.call(ctx, func() error {
		if _, err := e.activeUser(); err != nil {
			return err
		}
		if !e.typingOpen[chatID] {
			if err := e.channel.Send(core.TypingEvent, core.ClientTypingPayload{ChatID: chatID, IsTyping: true}); err != nil {
				return e.emitFailed(fmt.Errorf("send typing: %w", err))
			}
			e.typingOpen[chatID] = true
		}
		e.typingStop.Reset(chatID, e.stopDelay, func() { e.stopTyping(chatID) })
		return nil
	})
}

// emitFailed halts the session when the socket rejected the credential.
func (e *Engine) emitFailed(err error) error {
	if core.IsUnauthorized(err) {
		e.halt("socket rejected the credential")
	}
	return err
}

func (e *Engine) stopTyping(chatID core.ChatID) {
	e.typingStop.Stop(chatID)
	if !e.typingOpen[chatID] {
		return
	}
	delete(e.typingOpen, chatID)
	if err := e.channel.Send(core.TypingEvent, core.ClientTypingPayload{ChatID: chatID, IsTyping: false}); err != nil {
		e.logger.Warn(fmt.Sprintf("send typing: %v", err), slog.String("chat", chatID))
	}
}

// SetActiveChat selects chatID and loads its history in the background.
func (e *Engine) SetActiveChat(ctx context.Context, chatID core.ChatID) error {
	return e.call(ctx, func() error {
		if err := e.authorized(); err != nil {
			return err
		}
		e.activate(ctx, chatID)
		return nil
	})
}

func (e *Engine) activate(ctx context.Context, chatID core.ChatID) {
	prev := e.active
	e.active = chatID
	e.directory.SetActiveChat(chatID)
	if prev != "" && prev != chatID {
		e.stopTyping(prev)
		e.presence.Deactivate(prev)
	}
	e.history.Touch(chatID)
	e.presence.Activate(chatID)

	if e.history.IsLoaded(chatID) {
		e.activeState = ActiveReady
		e.publish()
		return
	}
	e.activeState = ActiveLoading
	e.publish()

	e.background(context.WithoutCancel(ctx), func(ctx context.Context) {
		_, err := e.history.EnsureLoaded(ctx, chatID)
		e.post(func() { e.loaded(chatID, err) })
	})
}

func (e *Engine) loaded(chatID core.ChatID, err error) {
	if e.active != chatID || e.state == Halted {
		return
	}
	if err != nil {
		e.logger.Error(fmt.Sprintf("loading chat: %v", err), slog.String("chat", chatID))
		e.activeState = ActiveNone
		e.fail(err)
		return
	}
	e.activeState = ActiveReady
	e.publish()
}

// CreateChat creates a chat and makes it the active one.
func (e *Engine) CreateChat(ctx context.Context, title string) (core.ChatPreview, error) {
	if err := e.call(ctx, e.authorized); err != nil {
		return core.ChatPreview{}, err
	}
	chat, err := e.directory.CreateChat(ctx, title)
	if err != nil {
		return core.ChatPreview{}, err
	}
	err = e.call(ctx, func() error {
		e.presence.Watch(chat.ChatID)
		e.activate(ctx, chat.ChatID)
		return nil
	})
	return chat, err
}

// JoinGlobalChat joins the global chat and makes it the active one.
func (e *Engine) JoinGlobalChat(ctx context.Context) (core.ChatPreview, error) {
	if err := e.call(ctx, e.authorized); err != nil {
		return core.ChatPreview{}, err
	}
	chat, err := e.directory.JoinGlobalChat(ctx)
	if err != nil {
		return core.ChatPreview{}, err
	}
	err = e.call(ctx, func() error {
		e.presence.Watch(chat.ChatID)
		e.activate(ctx, chat.ChatID)
		return nil
	})
	return chat, err
}

// History returns the history of chatID, fetching it if needed.
func (e *Engine) History(ctx context.Context, chatID core.ChatID) (core.ChatHistory, error) {
	return e.history.EnsureLoaded(ctx, chatID)
}

// Lookup returns a joined chat or asks the server for it.
func (e *Engine) Lookup(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error) {
	return e.directory.Lookup(ctx, chatID)
}

func (e *Engine) fail(err error) {
	var serverErr *core.ServerError
	if errors.As(err, &serverErr) {
		e.lastError = serverErr.Message
	} else {
		e.lastError = err.Error()
	}
	e.notifier.Error(e.lastError)
	e.publish()
}

func (e *Engine) onChatMessage(p core.ServerChatMessagePayload) {
	msg := p.Message.Message()
	if msg.ChatID == "" {
		msg.ChatID = p.ChatID
	}
	if !e.history.Ingest(msg) {
		e.logger.Debug(fmt.Sprintf("duplicate message %s", msg.ID), slog.String("chat", msg.ChatID))
		return
	}
	e.directory.UpdatePreview(msg)
	e.publish()
}

func (e *Engine) onTyping(p core.ServerTypingPayload) {
	e.presence.OnTyping(p.ChatID, p.Username, p.IsTyping)
}

func (e *Engine) onUsersOnline(p core.UsersOnlinePayload) {
	e.presence.SetOnline(p.ChatID, p.UsersOnline)
}

func (e *Engine) onUserOnlineStatus(p core.UserOnlineStatusPayload) {
	for _, chatID := range p.ChatIDs {
		e.presence.OnPresence(chatID, p.User.Username, p.Online)
	}
}

func (e *Engine) onAuthenticate(p core.ServerAuthenticatePayload) {
	if !p.Authenticated {
		e.halt("socket authentication rejected")
	}
}

func (e *Engine) onConnState(s core.ConnState) {
	if e.conn == s {
		return
	}
	e.conn = s
	if s != core.Connected {
		// no events arrive until the next connect, which rebuilds presence
		e.presence.Reset()
	}
	e.publish()
}
