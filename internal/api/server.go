// Package api exposes enrichment over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/api/gateway"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/service"
)

// EnrichmentRoute is the route template shared by both enrichment endpoints.
const EnrichmentRoute = "/api/v1/enrichment"

// EnrichmentService is what the handlers need from the service layer.
type EnrichmentService interface {
	Get(ctx context.Context, indicator string) (*service.Outcome, error)
	Ready(ctx context.Context) error
}

// Options wires optional collaborators. Nil fields disable the feature.
type Options struct {
	Version        string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Auth           *Authenticator
	RateLimiter    *gateway.RateLimiter
}

// Server holds the HTTP handlers.
type Server struct {
	service        EnrichmentService
	version        string
	requestTimeout time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
	metricsHandler http.Handler
	auth           *Authenticator
	limiter        *gateway.RateLimiter
}

// NewServer creates the API server.
func NewServer(svc EnrichmentService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		service:        svc,
		version:        opts.Version,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
		auth:           opts.Auth,
		limiter:        opts.RateLimiter,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Route("/enrichment", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware(EnrichmentRoute, roleOf, subjectOf))
			}
			r.Get("/", s.handleEnrichmentQuery)
			r.Get("/{indicator}", s.handleEnrichmentPath)
		})
	})

	return r
}

// requestLogger logs and measures each request by route template, keeping
// indicators out of logs and metric labels.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(status), duration)
		s.logger.Info("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", duration),
		)
	})
}
