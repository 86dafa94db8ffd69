// Package server provides the HTTP server and routing for Meridian.
//
// Every endpoint speaks JSON and none of them require authentication;
// the server is meant to sit behind whatever front-end or proxy owns
// user identity. Handlers read from the module services and never hold
// state of their own.
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

	"github.com/hexaphore/meridian/internal/database"
	"github.com/hexaphore/meridian/internal/modules/alerts"
	"github.com/hexaphore/meridian/internal/modules/arbitrage"
	"github.com/hexaphore/meridian/internal/modules/history"
	"github.com/hexaphore/meridian/internal/modules/portfolio"
	"github.com/hexaphore/meridian/internal/modules/risk"
	"github.com/hexaphore/meridian/internal/scheduler"
	"github.com/hexaphore/meridian/internal/venues"
)

// Config holds the services the server exposes.
type Config struct {
	Log       zerolog.Logger
	DB        *database.DB
	Registry  *venues.Registry
	Portfolio *portfolio.Service
	History   *history.Service
	Risk      *risk.Service
	Alerts    *alerts.Service
	Arbitrage *arbitrage.Engine
	Jobs      *scheduler.Repository
	Port      int
	DevMode   bool
}

// Server represents the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	registry  *venues.Registry
	portfolio *portfolio.Service
	history   *history.Service
	risk      *risk.Service
	alerts    *alerts.Service
	arbitrage *arbitrage.Engine
	jobs      *scheduler.Repository
	system    *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		registry:  cfg.Registry,
		portfolio: cfg.Portfolio,
		history:   cfg.History,
		risk:      cfg.Risk,
		alerts:    cfg.Alerts,
		arbitrage: cfg.Arbitrage,
		jobs:      cfg.Jobs,
		system:    NewSystemHandlers(cfg.Log, cfg.DB),
	}

	s.setupMiddleware(cfg.DevMode)
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
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system", s.system.HandleSystemStatus)
		r.Get("/jobs", s.handleJobs)
		r.Get("/venues", s.handleVenues)

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/summary", s.handlePortfolioSummary)
			r.Get("/positions", s.handlePortfolioPositions)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/stats", s.handleHistoryStats)
			r.Get("/daily", s.handleHistoryDaily)
			r.Get("/equity", s.handleHistoryEquity)
			r.Get("/trades", s.handleHistoryTrades)
			r.Get("/funding", s.handleHistoryFunding)
		})

		r.Get("/risk/metrics", s.handleRiskMetrics)

		r.Route("/arbitrage", func(r chi.Router) {
			r.Get("/matches", s.handleMatchList)
			r.Post("/matches", s.handleMatchCreate)
			r.Delete("/matches/{id}", s.handleMatchDelete)
			r.Get("/opportunities", s.handleOpportunities)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleAlertList)
			r.Post("/", s.handleAlertCreate)
			r.Delete("/{id}", s.handleAlertDelete)
		})
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Start starts the HTTP server. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
