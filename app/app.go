package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/api"
	"github.com/putto11262002/chatsync/pkg/router"
	"github.com/putto11262002/chatsync/ws"
	"golang.org/x/sync/errgroup"
)

// App wires the engine to the chat server and serves its read model.
type App struct {
	config  *Config
	logger  *slog.Logger
	session *core.TokenSession
	client  *api.Client
	channel *ws.Channel
	engine  *Engine
	router  *router.Router
	server  *http.Server
}

func New(config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.New(FormatValidationErrors(err))
	}
	socketURL, err := config.SocketEndpoint()
	if err != nil {
		return nil, err
	}

	app := &App{config: config}
	app.logger = NewLogger(os.Stdout, config.Log.Level)

	clock := clockwork.NewRealClock()
	app.session = core.NewTokenSession(clock)
	if config.Auth.Token != "" {
		if err := app.session.SetToken(config.Auth.Token); err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
	}
	app.session.OnLogout(func() {
		app.logger.Info("logged out")
	})

	app.client = api.NewClient(config.Server.URL, app.session,
		api.WithLogger(app.logger),
		api.WithUnauthorizedHandler(func() {
			app.engine.Unauthorized()
		}))

	conn := ws.NewConn(socketURL, app.session,
		ws.WithLogger(app.logger),
		ws.WithReconnect(config.Reconnect.InitialInterval, config.Reconnect.MaxInterval))
	app.channel = ws.NewChannel(conn, app.session, app.logger)

	app.engine = NewEngine(app.channel, app.client, app.session,
		WithEngineLogger(app.logger),
		WithClock(clock),
		WithNotifier(NewLogNotifier(app.logger)),
		WithTypingStopDelay(config.Typing.StopDelay),
		WithTypingExpiry(config.Typing.Expiry),
		WithRetention(config.Presence.Retention),
		WithFetchTimeout(config.Fetch.Timeout),
	)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))
	app.router.Route("/api", func(r *router.Router) {
		NewViewHandler(app.engine).Mount(r)
	})

	return app, nil
}

func (app *App) Engine() *Engine {
	return app.engine
}

func (app *App) Handler() http.Handler {
	return app.router
}

// Run runs the engine and, when configured, the HTTP view until ctx is done.
func (app *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.engine.Run(ctx)
	})

	if app.config.HTTP.Listen != "" {
		app.server = &http.Server{
			Addr:    app.config.HTTP.Listen,
			Handler: app.router,
			BaseContext: func(listener net.Listener) context.Context {
				return ctx
			},
		}
		g.Go(func() error {
			app.logger.Info(fmt.Sprintf("read model served on %s", app.config.HTTP.Listen))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.server.Shutdown(closeCtx)
		})
	}

	app.logger.Info(fmt.Sprintf("engine %s syncing with %s", app.engine.ID(), app.config.Server.URL))
	err := g.Wait()
	if err != nil {
		app.logger.Error(fmt.Sprintf("app exit: %v", err))
		return err
	}
	app.logger.Info("app shutdown gracefully")
	return nil
}
