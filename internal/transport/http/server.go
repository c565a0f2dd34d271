package http

import (
	"context"
	"errors"
	"net"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/config"
	"github.com/vovakirdan/slimchat/internal/core"
)

// NewServer builds the HTTP server exposing the long-poll protocol.
// No write timeout is set: receive requests stay open until a message arrives.
func NewServer(svc *core.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	router, stop := NewRouter(svc, cfg, logger)

	// Parked receives never go idle on their own; Shutdown cancels them through the base context.
	baseCtx, cancel := context.WithCancelCause(context.Background())

	server := &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(func() {
		cancel(errShuttingDown)
		stop()
	})
	return server
}

// errShuttingDown is the cancel cause of every request context once Shutdown starts.
var errShuttingDown = errors.New("server shutting down")

// NewRouter builds the gin engine with all routes and middleware.
// The returned func stops background work started for the router.
func NewRouter(svc *core.Service, cfg *config.Config, logger *zerolog.Logger) (*gin.Engine, func()) {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware())

	handlers := NewPollHandlers(svc, logger, PollOptions{
		PollTimeout:   cfg.PollTimeout,
		SendRateLimit: cfg.SendRateLimit,
	})

	router.GET("/", handlers.Dispatch)
	router.GET("/health", healthHandler)
	if cfg.StaticDir != "" {
		router.Static("/static", cfg.StaticDir)
	}

	return router, handlers.Close
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
