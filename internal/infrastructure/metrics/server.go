package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fundarb/internal/core"
	"fundarb/internal/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus scrape endpoint and the liveness probe
type Server struct {
	port    int
	venue   core.IVenue
	monitor *health.Monitor
	logger  core.ILogger
	srv     *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, venue core.IVenue, monitor *health.Monitor, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		venue:   venue,
		monitor: monitor,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Start starts the HTTP server in the background
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// handleHealth answers 200 when the venue is connected and every stream is
// within its staleness threshold, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := s.venue.IsConnected()
	streams := s.monitor.Streams()
	checks := s.monitor.RunChecks()

	healthy := connected && s.monitor.IsHealthy() && len(checks) == 0

	body := map[string]interface{}{
		"healthy":   healthy,
		"connected": connected,
		"streams":   streams,
	}
	if len(checks) > 0 {
		failed := make(map[string]string, len(checks))
		for name, err := range checks {
			failed[name] = err.Error()
		}
		body["failed_checks"] = failed
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write health response", "error", err.Error())
	}
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
