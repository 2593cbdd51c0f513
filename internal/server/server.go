package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/limiter"
	"github.com/michaelbrown/sortarena/internal/storage"
)

// Options configures a Server. Store may be nil when round archiving is off.
type Options struct {
	Registry     *arena.Registry
	Orchestrator *arena.Orchestrator
	Hub          *Hub
	Store        storage.Store
	Messages     *limiter.RateLimiter // per participant, socket messages
	Requests     *limiter.RateLimiter // per client address, REST calls
	Logger       *zerolog.Logger
}

// Server is the HTTP and websocket front of the arena.
type Server struct {
	registry *arena.Registry
	orch     *arena.Orchestrator
	hub      *Hub
	store    storage.Store
	limiter  *limiter.RateLimiter
	requests *limiter.RateLimiter
	logger   *zerolog.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	msgs := opts.Messages
	if msgs == nil {
		msgs = limiter.New(0, 1)
	}
	reqs := opts.Requests
	if reqs == nil {
		reqs = limiter.New(0, 1)
	}

	s := &Server{
		registry: opts.Registry,
		orch:     opts.Orchestrator,
		hub:      opts.Hub,
		store:    opts.Store,
		limiter:  msgs,
		requests: reqs,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (no JSON content-type)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/ws/{roomID}", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requests.Middleware)
		r.Use(jsonContentType)

		r.Get("/rooms", s.handleListRooms)
		r.Get("/rooms/{id}", s.handleGetRoom)

		r.Get("/rounds", s.handleListRounds)
		r.Get("/rounds/{id}", s.handleGetRound)
		r.Get("/rounds/{id}/export", s.handleExportRound)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one zerolog event per request.
func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Start begins listening on the given port. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msgf("sortarena server starting on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")
	s.hub.CloseAll()
	s.orch.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}
