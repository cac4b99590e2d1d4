// Package api serves the operational HTTP surface: liveness, Prometheus
// metrics and a live view of per-target pacing state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/ratelimit"
	"github.com/scrapecore/scrapecore/internal/telemetry"
)

// Server is the ops HTTP server.
type Server struct {
	addr    string
	limiter *ratelimit.Controller
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewServer builds the server. limiter may be nil when no crawl is
// active; /targets then reports an empty list.
func NewServer(addr string, limiter *ratelimit.Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{addr: addr, limiter: limiter, logger: logger}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", telemetry.Handler())
	r.Get("/targets", s.handleTargets)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	targets := []ratelimit.TargetStatus{}
	if s.limiter != nil {
		targets = s.limiter.Snapshot()
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Target < targets[j].Target })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": targets,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", zap.String("addr", s.addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
