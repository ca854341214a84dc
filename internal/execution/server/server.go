// Package server exposes the Execution Service's REST and websocket
// surface.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/engine"
	"github.com/crypton-sys/crypton/internal/execution/eventlog"
	"github.com/crypton-sys/crypton/internal/execution/metrics"
	"github.com/crypton-sys/crypton/internal/execution/mode"
	"github.com/crypton-sys/crypton/internal/execution/orders"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/crypton-sys/crypton/internal/execution/resilience"
	"github.com/crypton-sys/crypton/internal/execution/risk"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
	"github.com/crypton-sys/crypton/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Deps are the service components the handlers read from and command.
type Deps struct {
	Strategies *strategy.Service
	Registry   *positions.Registry
	Router     *orders.Router
	Engine     *engine.Engine
	Risk       *risk.Enforcer
	SafeMode   *resilience.SafeMode
	Failures   *resilience.FailureTracker
	Mode       *mode.Manager
	EventLog   *eventlog.Logger
	Metrics    *metrics.Collector
	Stream     *stream.Hub
}

// Server is the Execution Service HTTP server.
type Server struct {
	deps     Deps
	apiToken string
	log      zerolog.Logger
	router   chi.Router
	http     *http.Server
	started  time.Time
}

// New creates the server. An empty apiToken disables operator endpoints.
func New(deps Deps, port int, apiToken string, devMode bool, log zerolog.Logger) *Server {
	s := &Server{
		deps:     deps,
		apiToken: apiToken,
		log:      log.With().Str("service", "execution_server").Logger(),
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
	s.log.Info().Str("addr", s.http.Addr).Msg("Execution API listening")
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
	s.router.Get("/health/live", s.handleHealthLive)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/strategy", s.handleStrategy)
	s.router.Get("/positions", s.handlePositions)
	s.router.Get("/positions/{id}", s.handlePosition)
	s.router.Get("/orders", s.handleOrders)
	s.router.Get("/trades", s.handleTrades)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/events", s.handleEvents)

	s.router.Route("/operator", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/safe-mode/activate", s.handleSafeModeActivate)
		r.Post("/safe-mode/deactivate", s.handleSafeModeDeactivate)
		r.Post("/mode/promote-to-live", s.handlePromote)
		r.Post("/mode/demote-to-paper", s.handleDemote)
		r.Post("/strategy/reload", s.handleStrategyReload)
	})

	s.router.Get("/ws", s.deps.Stream.ServeHTTP)
}

// requireAuth enforces the Bearer token on operator endpoints.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			writeError(w, http.StatusUnauthorized, "operator endpoints disabled: no API token configured")
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
