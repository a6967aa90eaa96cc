package server

import (
	"net/http"

	"github.com/bobmcallan/vmbridge/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// MCP endpoint (streamable HTTP)
	if s.app.MCPHandler != nil {
		mux.Handle("/mcp", s.app.MCPHandler)
	}

	// API routes
	mux.HandleFunc("/api/health", s.app.HealthHandler.ServeHTTP)
	mux.HandleFunc("/api/version", s.app.VersionHandler.ServeHTTP)
	mux.HandleFunc("/api/status", s.app.StatusHandler.ServeHTTP)

	if s.app.MetricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.app.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/", handlers.NotFound)

	return mux
}
