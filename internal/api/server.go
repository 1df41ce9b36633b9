// Package api exposes the control plane over HTTP: version and token
// management, instance lifecycle, and token-authenticated execution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/crucible/internal/lifecycle"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/monitor"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *registry.Registry
	manager  *lifecycle.Manager
	monitor  *monitor.Monitor
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, reg *registry.Registry, mgr *lifecycle.Manager, mon *monitor.Monitor, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		manager:  mgr,
		monitor:  mon,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/apps/{app}", func(r chi.Router) {
		r.Post("/versions", s.handleCreateVersion)
		r.Get("/versions", s.handleListVersions)
		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances", s.handleListInstances)
		r.Post("/execute", s.handleExecute)
	})

	s.router.Route("/v1/versions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetVersion)
		r.Post("/publish", s.handlePublishVersion)
		r.Post("/deprecate", s.handleDeprecateVersion)
		r.Post("/archive", s.handleArchiveVersion)
		r.Post("/tokens", s.handleCreateToken)
	})

	s.router.Delete("/v1/tokens/{value}", s.handleRevokeToken)

	s.router.Route("/v1/instances/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetInstance)
		r.Get("/events", s.handleStreamEvents)
		r.Get("/events/history", s.handleGetEventHistory)
		r.Post("/stop", s.handleStopInstance)
		r.Post("/suspend", s.handleSuspendInstance)
		r.Post("/resume", s.handleResumeInstance)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error to its HTTP status and writes it.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error())
}

// statusFor maps domain sentinel errors to HTTP status codes.
func statusFor(err error) int {
	var execErr *model.ExecutionError
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrInstanceNotReady):
		return http.StatusServiceUnavailable
	case errors.As(err, &execErr):
		if execErr.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
