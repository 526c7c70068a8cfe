// Package server exposes the queue read-only over HTTP: health, metrics, job
// listings and status counts. Nothing here changes a job.
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/dispatch"
	"github.com/teranos/autopost/pulse/queue"
)

// CycleSource reports the dispatch daemon's progress; *dispatch.Daemon satisfies it
type CycleSource interface {
	Cycles() int64
	LastCycle() (dispatch.CycleResult, error)
}

// Server serves the read-only surface
type Server struct {
	store    *queue.Store
	db       *sql.DB
	gatherer prometheus.Gatherer
	metrics  *dispatch.Metrics
	cycles   CycleSource
	location *time.Location
	logger   *zap.SugaredLogger

	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithGatherer serves gatherer on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics refreshes the job gauges before each /metrics scrape
func WithMetrics(m *dispatch.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCycles adds daemon progress to /stats
func WithCycles(c CycleSource) Option {
	return func(s *Server) { s.cycles = c }
}

// WithLocation sets the zone bare dates in query strings are read in
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.location = loc }
}

// New creates a Server
func New(store *queue.Store, db *sql.DB, log *zap.SugaredLogger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		store:    store,
		db:       db,
		gatherer: prometheus.DefaultGatherer,
		location: time.UTC,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
	})
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	return r
}

// Start listens on addr until ctx is cancelled or Shutdown is called.
// It returns once the listener is bound; serve errors are logged.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server stopped", logger.FieldError, err)
		}
	}()

	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return errors.Wrap(s.httpServer.Shutdown(ctx), "failed to shut down HTTP server")
}

func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics != nil {
			if counts, err := s.store.CountByStatus(r.Context()); err == nil {
				s.metrics.SetJobCounts(counts)
			} else {
				s.logger.Warnw("Failed to refresh job gauges", logger.FieldError, err)
			}
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
