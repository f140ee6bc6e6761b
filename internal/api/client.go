package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/putto11262002/chatsync/core"
)

// Client calls the chat server's REST API. It attaches the bearer token of
// the session to every request and reports failures as *core.ServerError.
type Client struct {
	baseURL        string
	http           *http.Client
	session        core.Session
	logger         *slog.Logger
	onUnauthorized func()
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithUnauthorizedHandler sets f to run whenever the server answers 401.
func WithUnauthorizedHandler(f func()) ClientOption {
	return func(c *Client) {
		c.onUnauthorized = f
	}
}

func NewClient(baseURL string, session core.Session, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		http:           &http.Client{Timeout: 30 * time.Second},
		session:        session,
		logger:         slog.Default(),
		onUnauthorized: func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return err
	}
	return nil
}

// Post sends body as json to path and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	if err := c.do(ctx, http.MethodPost, path, body, out); err != nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) *core.ServerError {
	var r io.Reader
	if method != http.MethodGet {
		var err error
		if r, err = EncodeJson(body); err != nil {
			return core.NetworkError(fmt.Errorf("encode body: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return core.NetworkError(err)
	}
	req.Header.Set("Accept", "application/json")
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.session.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("%s %s: %v", method, path, err))
		return core.NetworkError(err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		serverErr := decodeServerError(res)
		c.logger.Warn(fmt.Sprintf("%s %s: %v", method, path, serverErr))
		if res.StatusCode == http.StatusUnauthorized {
			c.onUnauthorized()
		}
		return serverErr
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := DecodeJson(res.Body, out); err != nil {
		return &core.ServerError{
			StatusCode: res.StatusCode,
			Message:    "malformed response body",
			Reason:     err.Error(),
		}
	}
	return nil
}
