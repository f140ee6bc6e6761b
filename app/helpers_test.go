package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func serverMessage(chatID core.ChatID, id string, sec int, author core.UserHandle) core.ServerMessage {
	return core.ServerMessage{
		ID:        id,
		Timestamp: epoch.Add(time.Duration(sec) * time.Second),
		Text:      "message " + id,
		ChatID:    chatID,
		UserID:    "id-" + author,
		User:      core.UserPreview{ID: "id-" + author, Username: author},
	}
}

type testSession struct {
	mu      sync.Mutex
	user    core.UserHandle
	token   string
	logouts int
}

func (s *testSession) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *testSession) Username() core.UserHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return ""
	}
	return s.user
}

func (s *testSession) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.logouts++
}

func (s *testSession) logoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *testSession) login(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

type sentEvent struct {
	Type    string
	Payload json.RawMessage
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []sentEvent
	sendErr  map[string]error
	subs     map[string][]chan json.RawMessage
	states   chan core.ConnState
	connects atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sendErr: make(map[string]error),
		subs:    make(map[string][]chan json.RawMessage),
		states:  make(chan core.ConnState, 16),
	}
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	c.connects.Add(1)
	c.states <- core.Connected
	<-ctx.Done()
	c.states <- core.Disconnected
	return nil
}

func (c *fakeChannel) Send(eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErr[eventType]; err != nil {
		return err
	}
	c.sent = append(c.sent, sentEvent{Type: eventType, Payload: b})
	return nil
}

func (c *fakeChannel) failSends(eventType string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr[eventType] = err
}

func (c *fakeChannel) Subscribe(eventType string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 16)
	c.mu.Lock()
	c.subs[eventType] = append(c.subs[eventType], ch)
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[eventType]
		for i, s := range subs {
			if s == ch {
				c.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (c *fakeChannel) States() (<-chan core.ConnState, func()) {
	return c.states, func() {}
}

func (c *fakeChannel) subscribed(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[eventType]) > 0
}

func (c *fakeChannel) push(t *testing.T, eventType string, payload any) {
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	subs := append([]chan json.RawMessage(nil), c.subs[eventType]...)
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- b
	}
}

func (c *fakeChannel) sentOf(eventType string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, e := range c.sent {
		if e.Type == eventType {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (c *fakeChannel) typingSent(t *testing.T) []bool {
	var out []bool
	for _, raw := range c.sentOf(core.TypingEvent) {
		var p core.ClientTypingPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p.IsTyping)
	}
	return out
}

func (c *fakeChannel) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Type)
	}
	return out
}

type fakeAPI struct {
	mu           sync.Mutex
	joined       []core.ChatPreview
	global       core.ChatPreview
	histories    map[core.ChatID][]core.ServerMessage
	fetchErr     map[core.ChatID]error
	fetchGate    map[core.ChatID]chan struct{}
	fetches      map[core.ChatID]int
	createErr    error
	onCreate     func()
	nextChatID   core.ChatID
	joinedCalled int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		global:     core.ChatPreview{ChatID: "global", Title: "Global"},
		histories:  make(map[core.ChatID][]core.ServerMessage),
		fetchErr:   make(map[core.ChatID]error),
		fetchGate:  make(map[core.ChatID]chan struct{}),
		fetches:    make(map[core.ChatID]int),
		nextChatID: "team",
	}
}

func (f *fakeAPI) fetchCount(chatID core.ChatID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[chatID]
}

// gate makes fetches of chatID wait until the returned func is called.
func (f *fakeAPI) gate(chatID core.ChatID) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.fetchGate[chatID] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeAPI) ChatMessages(ctx context.Context, chatID core.ChatID) ([]core.Message, error) {
	f.mu.Lock()
	gate := f.fetchGate[chatID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[chatID]++
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	var out []core.Message
	for _, m := range f.histories[chatID] {
		out = append(out, m.Message())
	}
	return out, nil
}

func (f *fakeAPI) Chat(ctx context.Context, chatID core.ChatID) (core.ChatPreview, error) {
	if chatID == "missing" {
		return core.ChatPreview{}, &core.ServerError{StatusCode: 404, Message: "Not Found"}
	}
	return core.ChatPreview{ChatID: chatID, Title: "Chat " + chatID}, nil
}

func (f *fakeAPI) JoinedChats(ctx context.Context) ([]core.ChatPreview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedCalled++
	return append([]core.ChatPreview(nil), f.joined...), nil
}

func (f *fakeAPI) GlobalChat(ctx context.Context) (core.ChatPreview, error) {
	return f.global, nil
}

func (f *fakeAPI) CreateChat(ctx context.Context, title string) (core.ChatPreview, error) {
	f.mu.Lock()
	onCreate, createErr := f.onCreate, f.createErr
	f.mu.Unlock()
	if onCreate != nil {
		onCreate()
	}
	if createErr != nil {
		return core.ChatPreview{}, createErr
	}
	return core.ChatPreview{ChatID: f.nextChatID, Title: title}, nil
}

func (f *fakeAPI) JoinGlobalChat(ctx context.Context) (core.ChatPreview, error) {
	return f.global, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *recordingNotifier) add(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, msg)
}

func (n *recordingNotifier) Loading(msg string) { n.add("loading: " + msg) }
func (n *recordingNotifier) Success(msg string) { n.add("success: " + msg) }
func (n *recordingNotifier) Error(msg string)   { n.add("error: " + msg) }

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	channel  *fakeChannel
	api      *fakeAPI
	session  *testSession
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, setup func(api *fakeAPI)) *harness {
	h := &harness{
		t:        t,
		channel:  newFakeChannel(),
		api:      newFakeAPI(),
		session:  &testSession{user: "alice", token: "token"},
		clock:    clockwork.NewFakeClock(),
		notifier: &recordingNotifier{},
	}
	if setup != nil {
		setup(h.api)
	}
	h.engine = NewEngine(h.channel, h.api, h.session,
		WithClock(h.clock),
		WithEngineLogger(discardLogger),
		WithNotifier(h.notifier),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(baseTimeout):
			t.Error("engine did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return h.channel.subscribed(core.ChatMessageEvent) && h.channel.subscribed(core.AuthenticateEvent)
	}, baseTimeout, baseTimeout/20)
	h.waitFor(func(s Snapshot) bool {
		return s.State == Ready && s.Conn == core.Connected
	})
	return h
}

func (h *harness) waitFor(cond func(s Snapshot) bool) Snapshot {
	h.t.Helper()
	var last Snapshot
	require.Eventually(h.t, func() bool {
		last = h.engine.Snapshot()
		return cond(last)
	}, baseTimeout, baseTimeout/20)
	return last
}

func (h *harness) activate(chatID core.ChatID) Snapshot {
	h.t.Helper()
	require.NoError(h.t, h.engine.SetActiveChat(context.Background(), chatID))
	return h.waitFor(func(s Snapshot) bool {
		return s.ActiveChat == chatID && s.ActiveState == ActiveReady
	})
}

func messageIDs(h core.ChatHistory) []string {
	out := make([]string, 0, len(h.Messages))
	for _, m := range h.Messages {
		out = append(out, m.ID)
	}
	return out
}
