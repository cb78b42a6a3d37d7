// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"nightvibe/orchestrator"
	"nightvibe/pkg/vibe"
	"time"

	"golang.org/x/time/rate"
)

// Runner executes scrapes and sweeps.
type Runner interface {
	RunPlatform(ctx context.Context, platform vibe.Platform, location string) (orchestrator.Outcome, error)
	RunAll(ctx context.Context, location string) []orchestrator.Outcome
	Sweep(ctx context.Context) (*orchestrator.SweepReport, error)
	Status() orchestrator.Status
}

// Reader serves the display query.
type Reader interface {
	Query(ctx context.Context, q vibe.Query) ([]*vibe.StoredPost, error)
}

// Server handles HTTP requests.
type Server struct {
	runner  Runner
	posts   Reader
	metrics http.Handler
	logger  *slog.Logger
	limiter *ipLimiter
	now     func() time.Time
	// lifetime bounds work that outlives a request, such as sweeps.
	lifetime context.Context
}

// Config holds server configuration.
type Config struct {
	Runner  Runner
	Posts   Reader
	Metrics http.Handler // Served at /metrics when set
	Logger  *slog.Logger
	Now     func() time.Time
	// TriggerRate limits POST requests per client IP. Zero disables limiting.
	TriggerRate  rate.Limit
	TriggerBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		runner:   cfg.Runner,
		posts:    cfg.Posts,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		lifetime: context.Background(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.TriggerRate > 0 {
		s.limiter = newIPLimiter(cfg.TriggerRate, cfg.TriggerBurst)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /posts", s.handlePosts)
	mux.HandleFunc("GET /sweep", s.handleSweepStatus)
	mux.HandleFunc("POST /scrape", s.limit(s.handleScrapeAll))
	mux.HandleFunc("POST /scrape/{platform}", s.limit(s.handleScrape))
	mux.HandleFunc("POST /sweep", s.limit(s.handleSweep))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.logRequests(mux)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
// Sweeps started over HTTP run until they finish or ctx is cancelled, even if the caller disconnects.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	s.lifetime = ctx
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Minute, // Sweeps answer after every location has run
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
