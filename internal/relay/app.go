package relay

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casalink/casalink/internal/logging"
)

// App wires the relay together: the channel acceptor for hubs and the
// forwarding endpoint for remote clients share one HTTP server.
type App struct {
	config   *Config
	logger   logging.Logger
	registry *Registry
	feeds    *FeedBus
	acceptor *Acceptor
	forward  *Forwarder
}

func NewApp(c *Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	registry := NewRegistry(logger, c.QueueSize)
	feeds := NewFeedBus(logger)
	router := NewRouter(registry, feeds, logger)
	acceptor := NewAcceptor(c, registry, router, logger)
	forward := NewForwarder(c, registry, logger)

	return &App{
		config:   c,
		logger:   logger,
		registry: registry,
		feeds:    feeds,
		acceptor: acceptor,
		forward:  forward,
	}, nil
}

// Registry exposes the hub registry, mainly for admin tooling and tests.
func (app *App) Registry() *Registry { return app.registry }

// Feeds exposes the feed bus for SSE-style consumers.
func (app *App) Feeds() *FeedBus { return app.feeds }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Handler builds the relay's HTTP routing table.
func (app *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/channel", app.acceptor)
	mux.Handle("/", app.forward)
	return mux
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting relay...", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	server := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: app.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
