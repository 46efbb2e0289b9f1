package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/events"
	"github.com/mattjoyce/rendergate/internal/history"
)

// BatchReader defines the run history queries the API serves.
type BatchReader interface {
	ListBatches(ctx context.Context, limit int) ([]history.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*history.Batch, []history.Record, error)
}

// BindingRegistry defines the binding lookups the API serves.
type BindingRegistry interface {
	Get(name string) (*binding.Binding, bool)
	Names() []string
}

// EventSource is the live outcome stream behind GET /events.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen         string
	// APIKey, when set, is required as a bearer token on every route but /healthz.
	APIKey         string
	// AllowedOrigins lets browser dashboards on these origins read the API.
	AllowedOrigins []string
}

// Server is the read-only status API over bindings and run history.
type Server struct {
	config    Config
	batches   BatchReader
	registry  BindingRegistry
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, batches BatchReader, registry BindingRegistry, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		batches:   batches,
		registry:  registry,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// WithEvents enables GET /events, a server-sent event stream of job outcomes.
func (s *Server) WithEvents(src EventSource) *Server {
	s.events = src
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.AllowedOrigins) > 0 {
		// Preflight requests carry no token and are answered here.
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"Authorization", "Last-Event-ID"},
			MaxAge:         300,
		}).Handler)
	}

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/bindings", s.handleListBindings)
		r.Get("/bindings/{name}", s.handleGetBinding)
		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{batchID}", s.handleGetBatch)
		if s.events != nil {
			r.Get("/events", s.handleEvents)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
