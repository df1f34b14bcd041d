package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/casalink/casalink/internal/auth"
	"github.com/casalink/casalink/internal/channel"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
	"github.com/casalink/casalink/internal/repositories/repomanager"
	"github.com/casalink/casalink/internal/repositories/sessions"
	"github.com/casalink/casalink/internal/repositories/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisSessionTTL caps how long a session row may linger in Redis. The real
// expiry decision is the auth layer's lazy check against the user timeout.
const redisSessionTTL = 31 * 24 * time.Hour

// App wires the hub together: storage, the auth stack, the local API, and
// the managed channel to the relay.
type App struct {
	config    *Config
	logger    logging.Logger
	db        *sql.DB
	repos     repomanager.RepositoryManager
	users     users.Repository
	authSvc   *auth.AuthenticationService
	api       *API
	responder *Responder
	manager   *channel.Manager
}

func NewApp(c *Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos, err := repomanager.NewPostgresRepositoryManager()
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	userRepo := repos.Users(db)

	sessionRepo, err := newSessionRepository(c, repos, db)
	if err != nil {
		return nil, err
	}

	sessionManager := auth.NewSessionManager(sessionRepo)
	authSvc := auth.NewAuthenticationService(userRepo, sessionManager, cryptox.NewBcryptHasher(0), c.UseHTTPS)

	api := NewAPI(authSvc, logger)
	responder := NewResponder(api.Handler(), logger)

	app := &App{
		config:    c,
		logger:    logger,
		db:        db,
		repos:     repos,
		users:     userRepo,
		authSvc:   authSvc,
		api:       api,
		responder: responder,
	}

	manager, err := channel.NewManager(channel.Config{
		RelayURL:    c.RelayURL,
		Dialer:      &channel.WebsocketDialer{},
		Handshake:   protocol.Initialization{MacAddress: c.MacAddress, RemoteAuthKey: c.RemoteAuthKey},
		Handler:     app,
		OnConnected: app.pushLocalUsers,
		Logger:      logger,
		MaxBackoff:  c.ReconnectBackoffMax,
	})
	if err != nil {
		return nil, fmt.Errorf("channel init error: %w", err)
	}
	app.manager = manager

	return app, nil
}

func newSessionRepository(c *Config, repos repomanager.RepositoryManager, db *sql.DB) (sessions.Repository, error) {
	switch c.SessionStore {
	case SessionStorePostgres:
		return repos.Sessions(db), nil
	case SessionStoreRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		return sessions.NewRedisRepository(client, redisSessionTTL), nil
	default:
		return nil, fmt.Errorf("unknown session store: %q", c.SessionStore)
	}
}

// HandleHubMessage dispatches messages arriving from the relay.
func (app *App) HandleHubMessage(ctx context.Context, msg *protocol.HubMessage) {
	switch msg.Type {
	case protocol.HubMessageHTTPRequest:
		req := msg.Message.HTTPRequest
		go func() {
			resp := app.responder.Respond(ctx, req)
			if err := app.manager.Send(ctx, resp); err != nil {
				app.logger.Warn(ctx, "response send failed", "requestId", req.RequestID, "error", err.Error())
			}
		}()

	case protocol.HubMessageAck:
		app.logger.Debug(ctx, "ack from relay")

	default:
		app.logger.Warn(ctx, "unexpected message from relay", "type", string(msg.Type))
	}
}

// pushLocalUsers sends the current account list to the relay. It runs after
// every completed handshake so the relay can route logins after a reconnect.
func (app *App) pushLocalUsers(ctx context.Context) {
	all, err := app.users.GetUsers(ctx)
	if err != nil {
		app.logger.Error(ctx, "cannot load users for sync", "error", err.Error())
		return
	}

	emails := make([]string, 0, len(all))
	for _, u := range all {
		emails = append(emails, u.Email)
	}

	if err := app.manager.Send(ctx, protocol.NewLocalUsersMessage(emails, uuid.NewString())); err != nil {
		app.logger.Warn(ctx, "user sync send failed", "error", err.Error())
	}
}

// PublishFeed pushes a feed update towards the relay. Device and timing
// modules call this whenever their state changes.
func (app *App) PublishFeed(ctx context.Context, feedType protocol.FeedType, content json.RawMessage) error {
	return app.manager.Send(ctx, protocol.NewFeedMessage(feedType, content))
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting hub...", "addr", app.config.EndpointAddr, "relay", app.config.RelayURL)

	if err := app.repos.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	app.initSignalHandler(cancelFunc)

	server := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: app.api.Handler(),
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.manager.Run(ctx); err != nil && ctx.Err() == nil {
			app.logger.Error(ctx, "channel manager stopped", "error", err.Error())
			cancelFunc()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = err
		cancelFunc()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	wg.Wait()
	app.db.Close()
	return runErr
}
