package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/config"
	"github.com/vovakirdan/slimchat/internal/core"
	"github.com/vovakirdan/slimchat/internal/store"
	"github.com/vovakirdan/slimchat/internal/store/badgerstore"
	"github.com/vovakirdan/slimchat/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/slimchat/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	svc             *core.Service
	store           store.Store
	log             *zerolog.Logger
}

// OpenStore opens the backend selected by cfg.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		return sqlite.New(cfg.Path)
	case config.StoreDriverBadger:
		return badgerstore.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("driver", cfg.Store.Driver).Str("path", cfg.Store.Path).Msg("store initialized")

	svc := core.NewService(st, logger)
	server := transporthttp.NewServer(svc, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		svc:             svc,
		store:           st,
		log:             logger,
	}, nil
}

// Service exposes the engine behind the server.
func (a *App) Service() *core.Service {
	return a.svc
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Int("online", a.svc.OnlineCount()).Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("graceful shutdown timed out, closing connections")
			_ = a.server.Close()
		}

		// Receives write last-seen on the way out; the store must outlive them.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancelDrain()
		if err := a.svc.WaitReceives(drainCtx); err != nil {
			a.log.Warn().Err(err).Msg("receives still running at store close")
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
