// Package api is Cyre's optional HTTP observability surface: a health
// endpoint, Prometheus metrics, and a sensor event export/stream endpoint
// layered over a *cyre.Runtime — grounded on the teacher's own chi-based
// server wiring (internal/api/server.go), trimmed to the endpoints a
// library has a use for instead of a full REST API.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	cyre "github.com/cyre-run/cyre-go"
	"github.com/cyre-run/cyre-go/internal/config"
	"github.com/cyre-run/cyre-go/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	Engine    *cyre.Runtime
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(opts.Engine, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	collector := metrics.NewCollector(opts.Engine)
	prometheus.MustRegister(collector)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))
		r.Route("/api/v1", func(r chi.Router) {
			NewEventsHandler(opts.Engine).Routes(r)
			NewChannelsHandler(opts.Engine).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:        opts.Config.HTTPAddr,
		Handler:     r,
		ReadTimeout: opts.Config.ReadTimeout,
		IdleTimeout: opts.Config.IdleTimeout,
		// WriteTimeout left at 0 so the event stream endpoint can hold its
		// connection open indefinitely.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
