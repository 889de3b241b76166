// Package api serves the dashboard and device-agent HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/bilibili"
	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/presence"
	"github.com/goodtune/restatus/internal/steam"
	"github.com/goodtune/restatus/internal/upstream"
	"github.com/goodtune/restatus/internal/usage"
	"github.com/goodtune/restatus/internal/weather"
)

// SteamSource serves the cached game-platform status.
type SteamSource interface {
	Current(ctx context.Context) (*steam.Snapshot, error)
}

// BilibiliSource serves the last collected social-platform snapshot.
type BilibiliSource interface {
	Load(ctx context.Context) (*bilibili.Snapshot, error)
}

// WeatherSource serves weather for a visitor query.
type WeatherSource interface {
	Get(ctx context.Context, q weather.Query) (any, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	APIKey          string
	RequireAPIKey   bool
	AllowedOrigins  []string
	ReportRateLimit int
	Profile         config.ProfileConfig
	Platforms       Platforms
	ImageTimeout    time.Duration
}

// Deps are the services behind the API. Bilibili and Weather may be nil
// when the platform is not configured.
type Deps struct {
	Presence *presence.Engine
	Ledger   *usage.Ledger
	Steam    SteamSource
	Bilibili BilibiliSource
	Weather  WeatherSource
	Push     http.Handler
	Static   http.Handler
}

// Server is the public HTTP server.
type Server struct {
	config    Config
	deps      Deps
	images    *upstream.Client
	startTime time.Time
	router    *mux.Router
	server    *http.Server
	listener  net.Listener
	logger    zerolog.Logger
}

// NewServer creates the server and its routes.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "api").Logger()

	s := &Server{
		config:    cfg,
		deps:      deps,
		images:    upstream.NewClient("image-proxy", cfg.ImageTimeout, logger),
		startTime: time.Now(),
		router:    mux.NewRouter(),
		logger:    logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		MaxAge:         300,
	}))

	report := s.router.PathPrefix("/api/report").Subrouter()
	report.Use(ReportRateLimit(s.config.ReportRateLimit))
	report.Use(APIKeyMiddleware(s.config.APIKey, s.config.RequireAPIKey, s.logger))
	report.HandleFunc("/device", s.handleReportDevice).Methods("POST", "OPTIONS")

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/status/device", s.handleDeviceStatus).Methods("GET")
	s.router.HandleFunc("/api/status/steam", s.handleSteamStatus).Methods("GET")
	s.router.HandleFunc("/api/status/bilibili", s.handleBilibiliStatus).Methods("GET")
	s.router.HandleFunc("/api/status/weather", s.handleWeatherStatus).Methods("GET")
	s.router.HandleFunc("/api/stats/today", s.handleStatsToday).Methods("GET")
	s.router.HandleFunc("/api/usage/today", s.handleUsageToday).Methods("GET")
	s.router.HandleFunc("/api/config/platforms", s.handlePlatforms).Methods("GET")
	s.router.HandleFunc("/api/profile", s.handleProfile).Methods("GET")
	s.router.HandleFunc("/api/proxy/image", s.handleImageProxy).Methods("GET")

	if s.deps.Push != nil {
		s.router.Handle("/ws", s.deps.Push)
	}

	s.router.PathPrefix("/api").HandlerFunc(s.handleNotFound)
	if s.deps.Static != nil {
		s.router.PathPrefix("/").Handler(s.deps.Static)
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener serves on an existing listener instead of ListenAddr.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{
		"success": false,
		"error":   "endpoint not found",
		"path":    r.URL.Path,
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
}
