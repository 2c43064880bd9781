// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the read-only HTTP surface: counter snapshots, instance
// listings, health and Prometheus metrics. All mutation goes through the
// control channel, never through HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/ptables/internal/clock"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/metrics"
)

// ServerConfig holds HTTP server hardening settings.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns conservative timeouts for a localhost admin API.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Server is the HTTP API server.
type Server struct {
	source    metrics.Source
	collector *metrics.Collector
	logger    *logging.Logger
	cfg       *ServerConfig
	startTime time.Time

	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds the API over a snapshot source and the metrics collector.
func NewServer(source metrics.Source, collector *metrics.Collector, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		source:    source,
		collector: collector,
		logger:    logging.WithComponent("api"),
		cfg:       cfg,
		startTime: clock.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/instances", s.handleInstances).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{adapter}", s.handleInstance).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Get().Handler()).Methods(http.MethodGet)
	return r
}

// Handler returns the assembled router; used directly by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It blocks, like http.Server.ListenAndServe.
func (s *Server) Start(listen string) error {
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	s.logger.Info("API listening", "addr", listen)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Response encoding failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": clock.Now().Sub(s.startTime).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Sample()
	resp := map[string]any{
		"ring_used":        snap.RingUsed,
		"ring_capacity":    snap.RingCapacity,
		"capture_drops":    snap.CaptureDrops,
		"rule_eval_errors": snap.RuleEvalErrors,
		"ruleset_version":  snap.RuleSetVersion,
	}
	if s.collector != nil {
		resp["adapters"] = s.collector.GetAdapterStats()
		resp["last_update"] = s.collector.GetLastUpdate()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Sample()
	s.writeJSON(w, http.StatusOK, snap.Adapters)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	adapter := mux.Vars(r)["adapter"]
	snap := s.source.Sample()
	for _, a := range snap.Adapters {
		if a.Adapter == adapter {
			s.writeJSON(w, http.StatusOK, a)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "no instance attached to adapter " + adapter,
	})
}
