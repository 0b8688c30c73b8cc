package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes health, coverage and Prometheus metrics over HTTP.
type Server struct {
	monitor *Monitor
	http    *http.Server
}

// NewServer creates a server listening on port. Port 0 picks a free port.
func NewServer(monitor *Monitor, port int) *Server {
	s := &Server{monitor: monitor}
	s.http = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes of the server:
//
//	GET /health            {"status": ...}, 503 when a chain is critical
//	GET /health/detailed   the full HealthReport
//	GET /intervals         coverage by chain and source; ?chain= narrows it
//	GET /metrics           Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		report := s.monitor.CheckHealth(r.Context())
		code := http.StatusOK
		if report.SystemStatus == StatusCritical {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]SystemStatus{"status": report.SystemStatus})
	})
	mux.HandleFunc("GET /health/detailed", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
	})
	mux.HandleFunc("GET /intervals", s.handleIntervals)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleIntervals(w http.ResponseWriter, r *http.Request) {
	all := s.monitor.Intervals()
	chain := r.URL.Query().Get("chain")
	if chain == "" {
		writeJSON(w, http.StatusOK, all)
		return
	}
	coverage, ok := all[chain]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chain " + chain})
		return
	}
	writeJSON(w, http.StatusOK, coverage)
}

// Start serves until Stop. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
