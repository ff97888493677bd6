// Package httpapi serves the operator-facing HTTP surface: the
// WebSocket upgrade endpoint, a health/status document, Prometheus
// metrics, and a recent-audit read path. Configuration CRUD and
// authentication live in a separate service; this surface is
// observability only.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Auto-one-Family/kaiser-core/internal/buildinfo"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
	"github.com/Auto-one-Family/kaiser-core/internal/scheduler"
	"github.com/Auto-one-Family/kaiser-core/internal/ws"
)

// StatsSource exposes a component's operational counters for /healthz.
type StatsSource interface {
	Stats() map[string]any
}

// Server hosts the HTTP listener.
type Server struct {
	logger    *slog.Logger
	wsManager *ws.Manager
	sched     *scheduler.Scheduler
	db        *repo.DB
	engine    StatsSource

	httpServer *http.Server
}

// New creates a Server. engine may be nil when the logic engine is not
// wired (some tests run the HTTP surface standalone).
func New(addr string, wsManager *ws.Manager, sched *scheduler.Scheduler, db *repo.DB, engine StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		wsManager: wsManager,
		sched:     sched,
		db:        db,
		engine:    engine,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.wsManager.Handler)
	r.Get("/api/audit/recent", s.handleAuditRecent)

	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"status":    "ok",
		"build":     buildinfo.RuntimeInfo(),
		"scheduler": s.sched.Stats(),
		"websocket": map[string]any{"clients": s.wsManager.ClientCount()},
	}
	if s.engine != nil {
		doc["logic"] = s.engine.Stats()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}
	entries, err := s.db.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
