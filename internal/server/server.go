// Package server is the coordinator HTTP API: flow CRUD, graph editing,
// schema prediction, runs, samples, and the event stream.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds coordinator server configuration.
type Config struct {
	Addr       string
	SampleRows int
}

// Server is the coordinator HTTP server.
type Server struct {
	config   Config
	registry *Registry
	log      zerolog.Logger
	httpSrv  *http.Server
	baseCtx  context.Context
	cancel   context.CancelFunc

	requests *prometheus.CounterVec
}

// New builds the server around an existing registry.
func New(cfg Config, reg *Registry, log zerolog.Logger) *Server {
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	promReg := prometheus.NewRegistry()
	s := &Server{
		config:   cfg,
		registry: reg,
		log:      log,
		baseCtx:  ctx,
		cancel:   cancel,
		requests: promauto.With(promReg).NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "class"}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(csrfProtect)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/flows", func(r chi.Router) {
		r.Post("/", s.handleCreateFlow)
		r.Get("/", s.handleListFlows)
		r.Post("/import", s.handleImportFlow)
		r.Route("/{flowID}", func(r chi.Router) {
			r.Get("/", s.handleGetFlow)
			r.Delete("/", s.handleDeleteFlow)
			r.Put("/settings", s.handleUpdateFlowSettings)
			r.Get("/export", s.handleExportFlow)
			r.Get("/events", s.handleEvents)

			r.Post("/nodes", s.handleAddNode)
			r.Route("/nodes/{nodeID}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateNode)
				r.Delete("/", s.handleRemoveNode)
				r.Get("/schema", s.handleNodeSchema)
				r.Get("/sample", s.handleNodeSample)
				r.Put("/output_fields", s.handleSetOutputFields)
			})

			r.Post("/edges", s.handleAddEdge)
			r.Delete("/edges", s.handleRemoveEdge)

			r.Post("/runs", s.handleStartRun)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		})
	})

	s.httpSrv = &http.Server{
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// SSE requires no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.config.Addr).Msg("coordinator listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and stops event streams.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.requests.WithLabelValues(route, statusClass(ww.Status())).Inc()
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// csrfProtect rejects cross-origin mutating requests. Browsers set the
// Origin header on cross-origin requests, so checking it blocks CSRF from
// web pages while allowing CLI and same-host callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
