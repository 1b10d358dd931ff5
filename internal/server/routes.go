package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	if s.app.Config.WebSocket.Enabled {
		mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)
	}

	// Metrics
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.StatsHandler)
	mux.HandleFunc("/api/jobs/finished", s.app.JobHandler.ClearFinishedHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id}

	// API routes - Queue controls
	mux.HandleFunc("/api/queue/pause", s.app.QueueHandler.PauseHandler)
	mux.HandleFunc("/api/queue/resume", s.app.QueueHandler.ResumeHandler)
	mux.HandleFunc("/api/queue/concurrency", s.app.QueueHandler.ConcurrencyHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs by method
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.JobHandler.ListJobsHandler,
		http.MethodPost: s.app.JobHandler.CreateJobsHandler,
	})
}

// handleJobRoutes routes /api/jobs/{id}
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			s.app.JobHandler.GetJobHandler(w, r, id)
		},
		http.MethodDelete: func(w http.ResponseWriter, r *http.Request) {
			s.app.JobHandler.DeleteJobHandler(w, r, id)
		},
	})
}
