// Package server exposes the HTTP surface: the CI webhook ingress, the
// administrative API, health and Prometheus metrics, all on one listener.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/cifixer/internal/config"
	"git.home.luguber.info/inful/cifixer/internal/events"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/metrics"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/version"
)

// Server is the HTTP front of the service.
type Server struct {
	store     *store.Store
	recorder  metrics.Recorder
	publisher events.Publisher
	registry  *prom.Registry

	httpServer *http.Server
	now        func() time.Time

	signatureRequired  bool
	signatureSecret    string
	maxSkew            time.Duration
	maxLogBytes        int64
	defaultMaxAttempts int
}

// New wires the server against the store and configuration. registry may be
// nil to disable the metrics endpoint.
func New(st *store.Store, cfg *config.Config, recorder metrics.Recorder, publisher events.Publisher, registry *prom.Registry) *Server {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	s := &Server{
		store:              st,
		recorder:           recorder,
		publisher:          publisher,
		registry:           registry,
		now:                time.Now,
		signatureRequired:  cfg.Webhook.SignatureRequired,
		signatureSecret:    cfg.Webhook.SignatureSecret,
		maxSkew:            cfg.Webhook.MaxSkew(),
		maxLogBytes:        cfg.Webhook.MaxLogBytes,
		defaultMaxAttempts: cfg.Pipeline.DefaultMaxAttempts,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetClock overrides the time source for tests.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Handler returns the routed handler. Test hook.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/ci", s.handleWebhook)

	mux.HandleFunc("GET /admin/status", s.handleStatus)
	mux.HandleFunc("GET /admin/tasks", s.handleListTasks)
	mux.HandleFunc("GET /admin/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /admin/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("GET /admin/builds", s.handleListBuilds)
	mux.HandleFunc("GET /admin/builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /admin/builds/{id}/tasks", s.handleBuildTasks)
	mux.HandleFunc("POST /admin/builds/{id}/retry", s.handleRetryBuild)
	mux.HandleFunc("GET /admin/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /admin/health", s.handleHealth)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(s.registry))
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			slog.String("request_id", requestID),
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.RemoteAddr(r.RemoteAddr),
			logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	})
}

// Start begins serving; it blocks until the listener closes.
func (s *Server) Start() error {
	slog.Info("http server listening",
		slog.String("addr", s.httpServer.Addr),
		slog.String("version", version.Version))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", logfields.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	s.writeJSON(w, status, map[string]string{"error": reason})
}
