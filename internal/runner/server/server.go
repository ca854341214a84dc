// Package server exposes the Agent Runner's REST and websocket surface.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crypton-sys/crypton/internal/runner/artifacts"
	"github.com/crypton-sys/crypton/internal/runner/controller"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/metrics"
	"github.com/crypton-sys/crypton/internal/runner/statemachine"
	"github.com/crypton-sys/crypton/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Deps are the runner components the handlers read from and command.
type Deps struct {
	Machine    *statemachine.Machine
	Controller *controller.Controller
	Artifacts  *artifacts.Store
	Mailboxes  *mailbox.Store
	Metrics    *metrics.Collector
	Stream     *stream.Hub
}

// Server is the Agent Runner HTTP server.
type Server struct {
	deps     Deps
	apiToken string
	log      zerolog.Logger
	router   chi.Router
	http     *http.Server
	started  time.Time
}

// New creates the server. An empty apiToken disables override endpoints.
func New(deps Deps, port int, apiToken string, devMode bool, log zerolog.Logger) *Server {
	s := &Server{
		deps:     deps,
		apiToken: apiToken,
		log:      log.With().Str("service", "runner_server").Logger(),
		router:   chi.NewRouter(),
		started:  time.Now(),
	}
	s.setupMiddleware(devMode)
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Runner API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/cycles", s.handleCycles)
		r.Get("/cycles/{id}", s.handleCycle)
		r.Get("/errors", s.handleErrors)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/mailboxes", s.handleMailboxes)
		r.Get("/memory/{agent}", s.handleMemory)
		r.Get("/config/cycle-interval", s.handleGetCycleInterval)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/override/pause", s.handlePause)
			r.Post("/override/resume", s.handleResume)
			r.Post("/override/abort", s.handleAbort)
			r.Post("/override/force-cycle", s.handleForceCycle)
			r.Post("/override/inject", s.handleInject)
			r.Post("/config/cycle-interval", s.handleSetCycleInterval)
		})
	})

	s.router.Get("/ws", s.deps.Stream.ServeHTTP)
}

// requireAuth enforces the Bearer token on mutating endpoints.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			writeError(w, http.StatusUnauthorized, "override endpoints disabled: no API token configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
