// Package server provides the HTTP server and routing for the arena.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/marketdata"
	"github.com/tradearena/arena/internal/scheduler"
	"github.com/tradearena/arena/internal/simulation"
	"github.com/tradearena/arena/internal/timer"
)

// Config holds server configuration.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Manager   *simulation.Manager
	Scheduler *scheduler.Scheduler
	Provider  *marketdata.Provider
	Timer     *timer.Service
	Chat      *chat.Coordinator
	// AllTypes is the full registry including disabled types, so the
	// state endpoint can distinguish 403 from 404.
	AllTypes []domain.SimulationType
}

// Server represents the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	manager  *simulation.Manager
	sched    *scheduler.Scheduler
	provider *marketdata.Provider
	timer    *timer.Service
	chat     *chat.Coordinator
	allTypes []domain.SimulationType
	now      func() time.Time
}

// New creates the server with middleware and routes configured.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		manager:  cfg.Manager,
		sched:    cfg.Scheduler,
		provider: cfg.Provider,
		timer:    cfg.Timer,
		chat:     cfg.Chat,
		allTypes: cfg.AllTypes,
		now:      time.Now,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/simulations", func(r chi.Router) {
			r.Get("/types", s.handleTypes)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/reset", s.handleResetAll)
			r.Get("/scheduler/status", s.handleSchedulerStatus)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/state", s.handleState)
				r.Post("/reset", s.handleReset)
				r.Post("/chat/messages", s.handlePostChatMessage)
			})
		})

		r.Get("/timer", s.handleTimer)
	})
}

// Start begins serving; blocks until the listener fails or closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}
