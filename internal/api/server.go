package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/worker"
)

// Server is the operator API. It exposes campaign and identity controls
// plus scheduler observability; it never sends messages itself.
type Server struct {
	config      config.ServerConfig
	handler     http.Handler
	handlers    *Handlers
	server      *http.Server
	redisClient *redis.Client
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, st *store.Store, scheduler *worker.OutreachScheduler) *Server {
	handlers := NewHandlers(st, scheduler)
	router := SetupRoutes(handlers)

	return &Server{
		config:   cfg,
		handler:  router,
		handlers: handlers,
	}
}

// SetRedisClient wires Redis into the health checker.
func (s *Server) SetRedisClient(client *redis.Client) {
	s.redisClient = client
	s.handlers.health.redisClient = client
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
