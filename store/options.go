package store

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
)

const (
	DefaultFetchTimeout    = 10 * time.Second
	DefaultTypingExpiry    = 5 * time.Second
	DefaultRetentionWindow = 5 * time.Minute
)

type options struct {
	logger       *slog.Logger
	clock        clockwork.Clock
	exec         func(func())
	notifier     core.Notifier
	fetchTimeout time.Duration
	typingExpiry time.Duration
	retention    time.Duration
}

// Option configures the stores of this package. Options a store has no use
// for are ignored.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithExecutor sets the function timer callbacks are handed to.
func WithExecutor(exec func(func())) Option {
	return func(o *options) {
		o.exec = exec
	}
}

func WithNotifier(n core.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = d
	}
}

func WithTypingExpiry(d time.Duration) Option {
	return func(o *options) {
		o.typingExpiry = d
	}
}

// WithRetention sets how long presence of a chat that is no longer of
// interest is kept before it is dropped.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		clock:        clockwork.NewRealClock(),
		notifier:     core.NopNotifier{},
		fetchTimeout: DefaultFetchTimeout,
		typingExpiry: DefaultTypingExpiry,
		retention:    DefaultRetentionWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// fetchError converts a collaborator failure into a FetchError.
func fetchError(op string, chatID core.ChatID, err error) *core.FetchError {
	var serverErr *core.ServerError
	if !errors.As(err, &serverErr) {
		serverErr = core.NetworkError(err)
	}
	return &core.FetchError{Op: op, ChatID: chatID, Err: serverErr}
}
