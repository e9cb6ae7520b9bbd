// Package server exposes the operator HTTP API of the running agent. The CLI
// subcommands are thin clients of it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/metrics"
	"github.com/alanyoungcy/cfoagent/internal/server/handler"
	"github.com/alanyoungcy/cfoagent/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port       int
	APIKey     string // empty disables authentication
	RatePerSec float64
	RateBurst  int
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Ledger    *handler.LedgerHandler
	Approvals *handler.ApprovalHandler
	Control   *handler.ControlHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in rate limiting,
// authentication and request logging.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, h, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // POST /api/cycle runs a whole cycle
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	mux.HandleFunc("GET /api/positions", h.Ledger.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", h.Ledger.GetPosition)
	mux.HandleFunc("GET /api/transactions", h.Ledger.ListTransactions)

	mux.HandleFunc("GET /api/approvals", h.Approvals.List)
	mux.HandleFunc("POST /api/approvals/{id}/approve", h.Approvals.Approve)
	mux.HandleFunc("POST /api/approvals/{id}/reject", h.Approvals.Reject)

	mux.HandleFunc("POST /api/cycle", h.Control.RunCycle)
	mux.HandleFunc("GET /api/cycles", h.Control.ListCycles)
	mux.HandleFunc("POST /api/pause", h.Control.Pause)
	mux.HandleFunc("POST /api/resume", h.Control.Resume)

	var handler http.Handler = mux
	handler = middleware.Auth(cfg.APIKey, logger, "/api/health", "/metrics")(handler)
	handler = middleware.RateLimit(cfg.RatePerSec, cfg.RateBurst)(handler)
	handler = middleware.Logging(logger)(handler)
	return handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "server: starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
