// Package server exposes the relay over HTTP: a one-shot pull query
// endpoint, a WebSocket subscription endpoint, and health handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/ember-social/kindling/internal/kindling/relay"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
)

// Feed is the upstream collaborator: the dispatcher's streaming interface
// plus the bounded pull used by the query endpoint.
type Feed interface {
	relay.Feed
	Pull(ctx context.Context, subreddits []string, sort feed.Sort, limit int) ([]*feed.Post, error)
}

type Config struct {
	Logger   *slog.Logger
	Feed     Feed
	Archiver relay.Archiver // nil disables archival
}

type Server struct {
	log      *slog.Logger
	feed     Feed
	archiver relay.Archiver

	registry   *relay.Registry
	dispatcher *relay.Dispatcher

	echo *echo.Echo

	// sessions tracks live WebSocket connections for graceful shutdown,
	// keyed by the subscriber's registry ID.
	sessionsMu sync.Mutex
	sessions   map[uint64]*session
}

func New(config Config) (*Server, error) {
	if config.Feed == nil {
		return nil, fmt.Errorf("server requires an upstream feed")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	registry := relay.NewRegistry()
	s := &Server{
		log:        log,
		feed:       config.Feed,
		archiver:   config.Archiver,
		registry:   registry,
		dispatcher: relay.NewDispatcher(log, config.Feed, registry, config.Archiver),
		sessions:   make(map[uint64]*session),
	}
	return s, nil
}

// Start launches the dispatch loop and serves the HTTP API until the
// listener fails or Shutdown is called. A dispatcher failure stops live
// delivery but leaves the query endpoint up.
func (s *Server) Start(ctx context.Context, addr string) error {
	go func() {
		if err := s.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("dispatcher terminated, live updates are offline", "err", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(s.log.With("component", "http")))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/scrape", s.handleScrape)
	e.GET("/ws/subscribe", s.handleSubscribe)

	e.GET("/", s.handleHome)
	e.GET("/_health", s.handleHealth)

	s.echo = e
	return e.Start(addr)
}

// Shutdown closes all subscriber connections and stops the HTTP server. The
// dispatcher finishes its in-flight post before its context cancellation is
// observed, so dispatch for the current item always completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAllSessions(5 * time.Second)

	if s.echo == nil {
		return nil
	}

	errs := errgroup.Group{}
	errs.Go(func() error {
		s.echo.Server.SetKeepAlivesEnabled(false)
		if err := s.echo.Shutdown(ctx); err != nil {
			s.log.Error("error shutting down API server", "err", err)
			return err
		}
		return nil
	})
	return errs.Wait()
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal server error"

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}

	if code >= 500 {
		s.log.Error("handler error", "path", c.Path(), "err", err)
	}

	if !c.Response().Committed {
		if err := c.JSON(code, map[string]any{"error": msg}); err != nil {
			s.log.Error("failed to write error response", "err", err)
		}
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// handleHealth reports ok while the live dispatcher is running. Once the
// dispatcher has died the process still serves pull queries, but health
// flips to degraded so operators can see that live delivery stopped.
func (s *Server) handleHealth(c echo.Context) error {
	if !s.dispatcher.Running() {
		return c.JSON(http.StatusOK, healthStatus{Status: "degraded", Message: "live stream offline"})
	}
	return c.JSON(http.StatusOK, healthStatus{Status: "ok"})
}

var homeMessage = `
 _   _         _ _ _

| |_|_|___ _ _| | |_|___ ___
| '_| |   | . | | | |   | . |
|_,_|_|_|_|___|_|_|_|_|_|_  |
                        |___|

This is a Reddit content relay.

One-shot queries:      GET /scrape
Live subscriptions:    GET /ws/subscribe (WebSocket)
`

func (s *Server) handleHome(c echo.Context) error {
	return c.String(http.StatusOK, homeMessage)
}
