// Package api serves the read-only status endpoints and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/portfolio"
	"github.com/coinpilot/trading-engine/internal/scheduler"
	"github.com/coinpilot/trading-engine/internal/state"
)

// Server exposes engine state over HTTP. All endpoints are read-only.
type Server struct {
	logger    *zap.Logger
	sched     *scheduler.Scheduler
	valuer    *portfolio.Valuer
	cooldowns *state.CooldownStore
	srv       *http.Server
}

// NewServer builds the HTTP server on addr.
func NewServer(logger *zap.Logger, addr string, sched *scheduler.Scheduler, valuer *portfolio.Valuer, cooldowns *state.CooldownStore) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		sched:     sched,
		valuer:    valuer,
		cooldowns: cooldowns,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in a goroutine; server errors other than shutdown are
// logged, never fatal.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.sched.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"started_at":   stats.StartedAt,
		"uptime":       time.Since(stats.StartedAt).String(),
		"cycles":       stats.Cycles,
		"regime":       stats.LastRegime,
		"last_gate":    stats.LastGate,
		"bear_defense": stats.BearDefense,
		"trend_assets": stats.TrendAssets,
		"cooldowns":    s.cooldowns.Snapshot(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.valuer.Snapshot(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}
