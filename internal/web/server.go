// Package web exposes the token manager and the listening history over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/justestif/go-spotify-recently-played/internal/auth"
	"github.com/justestif/go-spotify-recently-played/internal/spotify"
)

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:8080"

// TokenManager is the subset of auth.Manager the handlers use.
type TokenManager interface {
	EnsureValidAccessToken(ctx context.Context) (string, error)
	HandleUnauthorizedResponse(ctx context.Context) (string, error)
	CompleteAuthorizationCode(ctx context.Context, code string) error
	AuthURL(ctx context.Context, state string) (string, error)
	Status() auth.Status
}

// TrackSource reads the most recently played track with a bearer token.
type TrackSource interface {
	RecentlyPlayed(ctx context.Context, accessToken string) (*spotify.Track, error)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr          string
	AllowedOrigin string
	// RateLimit is the sustained request rate allowed on the API route, per
	// second. Zero disables limiting.
	RateLimit float64
	Burst     int
	Logger    *log.Logger
}

// Server is the HTTP server for the bridge.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	limiter  *rate.Limiter
	origin   string
	logger   *log.Logger
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig, tokens TokenManager, tracks TrackSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "web")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		router:   chi.NewRouter(),
		handlers: NewHandlers(tokens, tracks, logger),
		limiter:  rate.NewLimiter(limit, burst),
		origin:   cfg.AllowedOrigin,
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.origin != "" {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{s.origin},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		}))
	}
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handlers.Health)

	s.router.Get("/login", s.handlers.Login)
	s.router.Get("/callback", s.handlers.Callback)

	s.router.With(s.rateLimit).Get("/api/recently-listened", s.handlers.RecentlyListened)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusTooManyRequests, msgTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", "http://"+s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and shuts it down gracefully on an interrupt signal
// or when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}
