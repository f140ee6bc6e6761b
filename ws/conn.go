package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Conn is a websocket Transport that keeps itself connected.
// Dropped connections are redialed with exponential backoff; a handshake
// rejected with 401 is permanent until Connect is called again.
type Conn struct {
	url     string
	session core.Session
	dialer  *websocket.Dialer
	logger  *slog.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
	writeStreamSize int

	received chan *core.Event
	states   chan core.ConnState

	mu           sync.Mutex
	writeStream  chan *core.Event
	unauthorized bool
}

type ConnOption func(*Conn)

func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = l
	}
}

func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) {
		c.dialer = d
	}
}

// WithReconnect sets the bounds of the reconnect backoff.
func WithReconnect(initial, max time.Duration) ConnOption {
	return func(c *Conn) {
		c.initialInterval = initial
		c.maxInterval = max
	}
}

func NewConn(url string, session core.Session, opts ...ConnOption) *Conn {
	c := &Conn{
		url:             url,
		session:         session,
		dialer:          websocket.DefaultDialer,
		logger:          slog.Default(),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
		writeStreamSize: 64,
		received:        make(chan *core.Event, 100),
		states:          make(chan core.ConnState, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "ws"))
	return c
}

func (c *Conn) Receive() <-chan *core.Event {
	return c.received
}

func (c *Conn) States() <-chan core.ConnState {
	return c.states
}

// Emit queues e on the live connection. It fails fast while disconnected.
func (c *Conn) Emit(e *core.Event) error {
	c.mu.Lock()
	stream, unauthorized := c.writeStream, c.unauthorized
	c.mu.Unlock()

	if unauthorized {
		return &core.AuthorizationError{Reason: "socket handshake rejected"}
	}
	if stream == nil {
		return core.ErrDisconnected
	}
	select {
	case stream <- e:
		return nil
	default:
		return fmt.Errorf("emit %s: write stream full", e.Type)
	}
}

// Connect dials and serves the connection, redialing whenever it drops.
// It returns nil once ctx is done and an *core.AuthorizationError if the
// server rejects the credential.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.unauthorized = false
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval

	for {
		c.setState(core.Connecting)
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn(fmt.Sprintf("dial: %v", err), slog.Duration("retry_in", next))
			}),
		)
		if err != nil {
			c.setState(core.Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			var authErr *core.AuthorizationError
			if errors.As(err, &authErr) {
				c.mu.Lock()
				c.unauthorized = true
				c.mu.Unlock()
			}
			return err
		}

		c.setState(core.Connected)
		c.serve(ctx, conn)
		c.setState(core.Disconnected)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	token, ok := c.session.Token()
	if !ok {
		return nil, backoff.Permanent(&core.AuthorizationError{Reason: "no credential"})
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, res, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(&core.AuthorizationError{Reason: "socket handshake rejected"})
		}
		return nil, err
	}
	return conn, nil
}

func (c *Conn) setState(s core.ConnState) {
	select {
	case c.states <- s:
	default:
		c.logger.Warn("state stream full, dropping transition", slog.String("state", s.String()))
	}
}

// serve blocks until the connection is closed by either side or ctx is done.
func (c *Conn) serve(ctx context.Context, conn *websocket.Conn) {
	stream := make(chan *core.Event, c.writeStreamSize)
	c.mu.Lock()
	c.writeStream = stream
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.writeStream = nil
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, conn, stream, done)
	}()

	c.readLoop(ctx, conn)
	close(done)
	wg.Wait()
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	c.logger.Debug("read loop started")
	defer func() {
		conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		format, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			if ctx.Err() == nil {
				c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event core.Event
		if err := core.DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(event.String())

		select {
		case c.received <- &event:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, conn *websocket.Conn, stream <-chan *core.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-stream:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				conn.Close()
				return
			}
			if err := core.EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			w.Close()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				conn.Close()
				return
			}
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}
