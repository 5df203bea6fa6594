// Package api provides the operational HTTP surface: health and metrics.
// The fleet management plane (CRUD, authorization) lives elsewhere; this
// server is for probes and scrapers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnChecker reports whether the message transport is currently connected.
type ConnChecker interface {
	Connected() bool
}

// Server serves health and metrics endpoints.
type Server struct {
	transport ConnChecker
	port      int
}

// NewServer creates an ops server on the given port.
func NewServer(transport ConnChecker, port int) *Server {
	return &Server{transport: transport, port: port}
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	return http.ListenAndServe(addr, s.Router())
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.transport.Connected() {
		// Degraded, not dead: the resilience manager is reconnecting.
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"transportConnected": s.transport.Connected(),
		"time":               time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
