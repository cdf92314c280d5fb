// Package web provides the HTTP API for analyzing uploads and running imports.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/core"
	lensmw "github.com/JonMunkholm/portfoliolens/internal/web/middleware"
)

// Server is the HTTP server for the import API.
type Server struct {
	service  *core.Service
	receiver *core.ChunkReceiver
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	limiters []*rateLimiter
	checks   []healthCheck
}

// NewServer creates a Server. receiver serves the chunk endpoint; it may be
// nil when this process only sends chunks.
func NewServer(service *core.Service, receiver *core.ChunkReceiver, cfg *config.Config) *Server {
	s := &Server{
		service:  service,
		receiver: receiver,
		cfg:      cfg,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(lensmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(lensmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5, "application/json"))
	s.router.Use(securityHeaders)
}

// limit returns a per-IP rate limit middleware, or a pass-through when rate
// limiting is off.
func (s *Server) limit(perMinute int) func(http.Handler) http.Handler {
	if !s.cfg.Rate.Enabled || perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := newRateLimiter(perMinute, time.Minute)
	s.limiters = append(s.limiters, rl)
	return rl.middleware
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(lensmw.APIKeyAuth(&s.cfg.Security))
		r.Use(lensmw.UserID)

		// Progress streams outlive the request timeout.
		r.With(s.limit(s.cfg.Rate.RequestsPerMinute)).Get("/jobs/{jobID}/progress", s.handleJobProgress)

		r.Group(func(r chi.Router) {
			if d := s.cfg.Server.RequestTimeout; d > 0 {
				r.Use(middleware.Timeout(d))
			}

			r.Group(func(r chi.Router) {
				r.Use(s.limit(s.cfg.Rate.RequestsPerMinute))

				r.Get("/sessions/{sessionID}", s.handleGetSession)
				r.Delete("/sessions/{sessionID}", s.handleCloseSession)
				r.Post("/sessions/{sessionID}/sheets/{sheet}/columns", s.handleSuggestColumns)

				r.Get("/jobs", s.handleListJobs)
				r.Get("/jobs/{jobID}", s.handleGetJob)
				r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)

				r.Get("/schema", s.handleListSchema)
				r.Post("/schema/refresh", s.handleRefreshSchema)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.limit(s.cfg.Rate.UploadLimit))

				r.Post("/sessions", s.handleAnalyze)
				r.Post("/sessions/{sessionID}/import", s.handleStartImport)
			})

			r.With(s.limit(s.cfg.Rate.ChunkLimit)).Post("/chunks", s.handleReceiveChunk)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error for requests rejected before they reach
// the service.
func writeError(w http.ResponseWriter, status int, message string) {
	slog.Debug("request rejected", "status", status, "message", message)
	writeJSONStatus(w, status, ErrorResponse{Error: message, Message: message})
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
