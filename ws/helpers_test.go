package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testSession struct {
	token string
}

func (s *testSession) Token() (string, bool)     { return s.token, s.token != "" }
func (s *testSession) Username() core.UserHandle { return "alice" }
func (s *testSession) Logout()                   { s.token = "" }

// testTransport is an in-memory Transport driven by the test.
type testTransport struct {
	received chan *core.Event
	states   chan core.ConnState

	mu      sync.Mutex
	emitted []*core.Event
}

func newTestTransport() *testTransport {
	return &testTransport{
		received: make(chan *core.Event, 16),
		states:   make(chan core.ConnState, 16),
	}
}

func (t *testTransport) Connect(ctx context.Context) error {
	t.states <- core.Connected
	<-ctx.Done()
	return nil
}

func (t *testTransport) Emit(e *core.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted = append(t.emitted, e)
	return nil
}

func (t *testTransport) Receive() <-chan *core.Event  { return t.received }
func (t *testTransport) States() <-chan core.ConnState { return t.states }

func (t *testTransport) Emitted() []*core.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*core.Event(nil), t.emitted...)
}

func (t *testTransport) push(tb testing.TB, eventType string, payload any) {
	e, err := core.NewEvent(eventType, payload)
	require.NoError(tb, err)
	t.received <- e
}

func receiveOrTimeout[T any](t *testing.T, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(baseTimeout):
		t.Fatal(msg)
	}
	var zero T
	return zero
}

// testChatServer accepts socket connections at /ws and echoes chat-message
// events back as server chat-message events.
type testChatServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestChatServer(t *testing.T) *testChatServer {
	s := &testChatServer{}
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *testChatServer) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

func (s *testChatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	defer conn.Close()
	for {
		var e core.Event
		if err := conn.ReadJSON(&e); err != nil {
			return
		}
		if e.Type != core.ChatMessageEvent {
			continue
		}
		var in core.ClientChatMessagePayload
		if err := json.Unmarshal(e.Payload, &in); err != nil {
			return
		}
		out, _ := core.NewEvent(core.ChatMessageEvent, core.ServerChatMessagePayload{
			ChatID: in.ChatID,
			Message: core.ServerMessage{
				ID:        "m1",
				Timestamp: time.Now().UTC(),
				Text:      in.MessageText,
				ChatID:    in.ChatID,
				User:      core.UserPreview{ID: "u1", Username: "alice"},
			},
		})
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}

// dropAll closes every server side connection.
func (s *testChatServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testChatServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
