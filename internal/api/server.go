// Package api exposes the sync engine over HTTP: bearer-protected triggers
// for each family, a records listing for the UI, health and Prometheus
// metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njoerd114/stratussync/internal/model"
	syncp "github.com/njoerd114/stratussync/internal/sync"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// SyncRunner runs drain passes. Implemented by *sync.Engine.
type SyncRunner interface {
	Families() []model.Family
	RunFamily(ctx context.Context, f model.Family) (*model.Summary, error)
	RunAll(ctx context.Context) map[model.Family]syncp.FamilyResult
}

// RecordReader serves the records listing and readiness probe.
// Implemented by *state.Store.
type RecordReader interface {
	ListRecords(ctx context.Context, family model.Family, status model.Status, limit int) ([]*model.Record, error)
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Runner  SyncRunner
	Records RecordReader

	// JWTSecret switches bearer validation to HS256 JWTs. When empty any
	// non-empty bearer token is accepted.
	JWTSecret string

	// RateLimitPerMinute caps /sync requests per client IP. Zero or
	// negative disables the limit.
	RateLimitPerMinute int

	Logger *slog.Logger
}

// Server holds the HTTP handlers. Create one with [NewServer].
type Server struct {
	runner    SyncRunner
	records   RecordReader
	jwtSecret []byte
	rateLimit int
	log       *slog.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runner:    opts.Runner,
		records:   opts.Records,
		rateLimit: opts.RateLimitPerMinute,
		log:       logger,
	}
	if opts.JWTSecret != "" {
		s.jwtSecret = []byte(opts.JWTSecret)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(prometheusMetrics)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/sync", func(r chi.Router) {
			if s.rateLimit > 0 {
				r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
			}
			r.Post("/all", s.handleSyncAll)
			r.Post("/{family}", s.handleSyncFamily)
		})
		r.Get("/records/{family}", s.handleListRecords)
	})

	return r
}
