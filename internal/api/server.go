package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/broker"
	"github.com/JakeFAU/scrapeq/internal/jobs"
	"github.com/JakeFAU/scrapeq/internal/lease"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/middleware"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxBodyBytes   = 10 << 20
)

// Service is the broker surface the handlers call.
type Service interface {
	Create(ctx context.Context, req broker.CreateRequest) (jobs.Job, error)
	Lease(ctx context.Context, browserID string, maxJobs int) (broker.LeaseBatch, error)
	Heartbeat(ctx context.Context, jobID, leaseID string) (lease.Heartbeat, error)
	Release(ctx context.Context, jobID, leaseID string) error
	Submit(ctx context.Context, req broker.SubmitRequest) (jobs.Artifact, error)
	Status(ctx context.Context, jobID string) (broker.Status, error)
	Deliveries(ctx context.Context, jobID string) ([]jobs.Delivery, error)
	NotifyConsumer(ctx context.Context, jobID string, phase jobs.Phase) error
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Options tunes the server. Zero values select defaults.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Ready          ReadyFunc
}

// Server wires HTTP handlers to the broker.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{svc: svc, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/leases", s.lease)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/deliveries", s.listDeliveries)
				r.Post("/heartbeat", s.heartbeat)
				r.Post("/release", s.release)
				r.Post("/submit", s.submit)
				r.Post("/notify", s.notify)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
