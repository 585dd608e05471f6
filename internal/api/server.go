package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/store"
)

// Config holds API server configuration.
type Config struct {
	Listen         string
	CSRFEnforce    bool
	StreamPadBytes int
	Provider       string
}

// Server represents the HTTP API server.
type Server struct {
	config        Config
	conversations *store.ConversationStore
	messages      *store.MessageStore
	facts         *store.FactStore
	chat          *chat.Service
	tokens        *csrfTokens
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
}

// New creates a new API server instance.
func New(config Config, conversations *store.ConversationStore, messages *store.MessageStore, facts *store.FactStore, chatSvc *chat.Service, logger *slog.Logger) *Server {
	return &Server{
		config:        config,
		conversations: conversations,
		messages:      messages,
		facts:         facts,
		chat:          chatSvc,
		tokens:        newCSRFTokens(),
		logger:        logger,
		startedAt:     time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the chat endpoint is a long-lived stream
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "csrf_enforce", s.config.CSRFEnforce)

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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Read-only
	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/csrf", s.handleCSRFToken)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{conversation_id}/messages", s.handleListMessages)

	// Mutating, CSRF-guarded
	r.Group(func(r chi.Router) {
		r.Use(s.csrfGuard)
		r.Post("/v1/chat", s.handleChat)
		r.Patch("/v1/conversations/{conversation_id}", s.handleRenameConversation)
		r.Delete("/v1/conversations/{conversation_id}", s.handleDeleteConversation)
		r.Post("/v1/estimate", s.handleEstimate)
		r.Post("/v1/reset", s.handleReset)
		r.Post("/v1/memory/confirm", s.handleMemoryConfirm)
		r.Post("/v1/memory/reject", s.handleMemoryReject)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
