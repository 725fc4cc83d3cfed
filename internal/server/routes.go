package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Document processing
	mux.HandleFunc("/api/upload", s.app.JobHandler.UploadHandler)
	mux.HandleFunc("/api/process/", s.app.JobHandler.ProcessRoutesHandler) // POST /{id}, GET /{id}/status, GET /{id}/result, POST /{id}/cancel, GET /active

	// API routes - Feedback
	mux.HandleFunc("/api/feedback", s.app.FeedbackHandler.SubmitHandler)
	mux.HandleFunc("/api/feedback/cleanup/", s.app.FeedbackHandler.CleanupHandler)
	mux.HandleFunc("/api/feedback/", s.app.FeedbackHandler.ExistsHandler) // GET /{processing_id}

	// API routes - Admin (pipeline configuration)
	mux.HandleFunc("/api/admin/steps", s.app.AdminHandler.StepsHandler)
	mux.HandleFunc("/api/admin/steps/", s.app.AdminHandler.StepRoutesHandler)
	mux.HandleFunc("/api/admin/classes", s.app.AdminHandler.ClassesHandler)
	mux.HandleFunc("/api/admin/classes/", s.app.AdminHandler.ClassRoutesHandler)
	mux.HandleFunc("/api/admin/models", s.app.AdminHandler.ModelsHandler)
	mux.HandleFunc("/api/admin/models/", s.app.AdminHandler.ModelRoutesHandler)
	mux.HandleFunc("/api/admin/ocr-config", s.app.AdminHandler.OCRConfigHandler)
	mux.HandleFunc("/api/admin/settings", s.app.AdminHandler.SettingsHandler)
	mux.HandleFunc("/api/admin/settings/", s.app.AdminHandler.SettingRoutesHandler)
	mux.HandleFunc("/api/admin/analytics/costs", s.app.AdminHandler.CostAnalyticsHandler)
	mux.HandleFunc("/api/admin/analytics/feedback", s.app.AdminHandler.FeedbackAnalyticsHandler)
	mux.HandleFunc("/api/admin/cleanup", s.app.AdminHandler.CleanupHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Catch-all for unknown API paths
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	// Root serves a minimal liveness page
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimRight(r.URL.Path, "/") != "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("klartext\n"))
	})

	return mux
}
