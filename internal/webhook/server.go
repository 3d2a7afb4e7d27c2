package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/herald/internal/chat"
	"github.com/mattjoyce/herald/internal/observability"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	handler TextHandler
	logger  *slog.Logger
	server  *http.Server

	metrics        *observability.Metrics
	metricsHandler http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves h on /metrics.
func WithMetrics(m *observability.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

// New creates a new webhook server instance.
func New(config Config, handler TextHandler, logger *slog.Logger, opts ...Option) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	s := &Server{
		config:  config,
		handler: handler,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}
	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), ww.Status(), elapsed.Seconds())
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// routePattern keeps metric label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, Response{OK: true})
}

// handleWebhook handles incoming WAHA events.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Secret first: nothing is read from unauthenticated callers.
	if err := verifySecret(r.Header.Get(SecretHeader), s.config.Secret); err != nil {
		s.logger.Warn("webhook secret rejected", "path", r.URL.Path)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if s.config.HMACKey != "" {
		if err := verifyHMACSignature(body, r.Header.Get(HMACHeader), s.config.HMACKey); err != nil {
			s.logger.Warn("webhook signature verification failed", "path", r.URL.Path)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	in, err := chat.ParseInbound(body)
	if errors.Is(err, chat.ErrNoMessage) {
		s.respondJSON(w, http.StatusOK, Response{OK: true})
		return
	}
	if err != nil {
		s.logger.Warn("unusable webhook body", "error", err)
		s.respondError(w, http.StatusBadRequest, "missing chat id or message")
		return
	}

	// The action outlives the request; replies go out through chat delivery.
	ctx := context.WithoutCancel(r.Context())
	if err := s.handler.HandleText(ctx, in.ChatID, in.Text); err != nil {
		s.logger.Warn("chat command failed", "chat_id", in.ChatID, "from_me", in.FromMe, "error", err)
		s.respondJSON(w, http.StatusOK, Response{OK: false})
		return
	}
	s.respondJSON(w, http.StatusOK, Response{OK: true})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, Response{Error: message})
}
