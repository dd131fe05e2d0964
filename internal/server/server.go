// Package server provides the HTTP server and routing for Augur.
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

	"github.com/aristath/augur/internal/di"
	marketdatahandlers "github.com/aristath/augur/internal/modules/marketdata/handlers"
	monitorhandlers "github.com/aristath/augur/internal/modules/monitor/handlers"
	predictionhandlers "github.com/aristath/augur/internal/modules/prediction/handlers"
	registryhandlers "github.com/aristath/augur/internal/modules/registry/handlers"
	sentimenthandlers "github.com/aristath/augur/internal/modules/sentiment/handlers"
	traininghandlers "github.com/aristath/augur/internal/modules/training/handlers"
)

// requestTimeout bounds every request. Prediction has its own tighter budget.
const requestTimeout = 60 * time.Second

// Config carries what New needs to build the router.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Container *di.Container
}

// Server owns the chi router and the listening http.Server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	port      int
	container *di.Container
	system    *SystemHandlers
}

// New builds the middleware chain and mounts every module handler.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		port:      cfg.Port,
		container: cfg.Container,
		system:    NewSystemHandlers(cfg.Container, cfg.Log),
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

// setupMiddleware installs the chain. Recoverer goes first so panics in later
// middleware still become 500s.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.container.Recorder.Middleware)
	s.router.Use(middleware.Timeout(requestTimeout))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes. The model-server surface (/health,
// /predict) sits at the root, everything else under /api.
func (s *Server) setupRoutes() {
	c := s.container
	log := s.log

	models := registryhandlers.NewHandler(c.Registry, log)
	models.RegisterRoutes(s.router)
	s.router.Handle("/metrics", c.Recorder.Handler())

	s.router.Route("/api", func(r chi.Router) {
		models.RegisterAPIRoutes(r)
		predictionhandlers.NewHandler(c.Prediction, log).RegisterRoutes(r)
		sentimenthandlers.NewHandler(c.Analyzer, log).RegisterRoutes(r)
		traininghandlers.NewHandler(c.RunStore, c.Retrainer, log).RegisterRoutes(r)
		monitorhandlers.NewHandler(c.Monitor, log).RegisterRoutes(r)
		marketdatahandlers.NewHandler(c.Importer, c.BarRepo, c.NewsRepo, log).RegisterRoutes(r)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.system.HandleStatus)
			r.Get("/artifacts", s.system.HandleArtifacts)
		})
	})
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware demotes health and scrape traffic to debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.log.Info()
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			event = s.log.Debug()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
