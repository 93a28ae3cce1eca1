// Package server exposes the case tracker and the chronicle over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/chronicle/pkg/api"
	"github.com/Mindburn-Labs/chronicle/pkg/auth"
	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/observability"
	"github.com/Mindburn-Labs/chronicle/pkg/tracker"
)

const (
	ServiceName = "Case Chronicle API"

	defaultRecentLimit = 50
	shutdownTimeout    = 10 * time.Second
)

// Config carries the listener and request settings.
type Config struct {
	Port           string
	IntakeLocation string
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Server is the chronicle HTTP API.
type Server struct {
	tracker *tracker.Tracker
	store   *chronicle.Store
	filters *chronicle.FilterCompiler
	cfg     Config

	limiter     *api.RateLimiter
	validator   *auth.JWTValidator
	idempotency api.IdempotencyStorer
	telemetry   *observability.Provider
	logger      *slog.Logger

	handler http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithValidator turns on bearer authentication for every non-public path.
func WithValidator(v *auth.JWTValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithIdempotencyStore replaces the in-memory replay cache for intake.
func WithIdempotencyStore(st api.IdempotencyStorer) Option {
	return func(s *Server) {
		if st != nil {
			s.idempotency = st
		}
	}
}

// WithTelemetry records spans and RED metrics for every request.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.telemetry = p }
}

// WithLogger overrides the access logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wires routes and middleware.
func New(tr *tracker.Tracker, store *chronicle.Store, cfg Config, opts ...Option) (*Server, error) {
	filters, err := chronicle.NewFilterCompiler()
	if err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}

	s := &Server{
		tracker:     tr,
		store:       store,
		filters:     filters,
		cfg:         cfg,
		limiter:     api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		idempotency: api.NewIdempotencyStore(24 * time.Hour),
		logger:      slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.telemetry == nil {
		if s.telemetry, err = observability.New(context.Background(), &observability.Config{}); err != nil {
			return nil, err
		}
	}
	s.handler = s.chain(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	intake := api.IdempotencyMiddleware(s.idempotency)(http.HandlerFunc(s.handleIntake))
	mux.Handle("POST /api/field/intake", auth.RequireScope(auth.ScopeIntake, intake))
	mux.Handle("GET /api/field/status/{case_id}", auth.RequireScope(auth.ScopeRead, http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/field/result/{case_id}", auth.RequireScope(auth.ScopeRead, http.HandlerFunc(s.handleResult)))
	mux.Handle("GET /api/field/chronicle/recent", auth.RequireScope(auth.ScopeRead, http.HandlerFunc(s.handleRecent)))
	mux.Handle("GET /api/field/chronicle/query", auth.RequireScope(auth.ScopeRead, http.HandlerFunc(s.handleQuery)))
	mux.Handle("GET /api/field/cases", auth.RequireScope(auth.ScopeRead, http.HandlerFunc(s.handleCases)))
	mux.Handle("POST /api/field/stage/{case_id}", auth.RequireScope(auth.ScopeStage, http.HandlerFunc(s.handleStage)))
	return mux
}

// chain applies, outermost first: request id, CORS, rate limit, optional
// bearer auth, telemetry, access log.
func (s *Server) chain(mux http.Handler) http.Handler {
	h := s.accessLog(mux)
	h = s.telemetry.HTTPMiddleware(h)
	if s.validator != nil {
		h = auth.NewMiddleware(s.validator, auth.DefaultPublicPaths...)(h)
	}
	h = s.limiter.Middleware(h)
	h = auth.CORSMiddleware(s.cfg.CORSOrigins)(h)
	return auth.RequestIDMiddleware(h)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// accessLog passes r through unchanged so the mux can record the matched
// pattern on it.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", r.Pattern,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", auth.GetRequestID(r.Context()),
		)
	})
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on the configured port until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	if mem, ok := s.idempotency.(*api.MemoryIdempotencyStore); ok {
		g.Go(func() error {
			mem.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.InfoContext(gctx, "listening", "addr", srv.Addr, "chronicle", s.store.Path())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
