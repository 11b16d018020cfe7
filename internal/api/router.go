package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Discovery
		r.Post("/discovery/add", s.handleDiscoveryAdd)

		// Device endpoints
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleAdoptDevice)
			r.Post("/refresh", s.handleRefresh)

			// Batch commands span devices, so they live above /{id}
			r.Post("/batch/power", s.handleBatchPower)
			r.Post("/batch/brightness", s.handleBatchBrightness)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/capabilities", s.handleGetCapabilities)

				// Commands
				r.Post("/power", s.handleSetPower)
				r.Post("/brightness", s.handleSetBrightness)
				r.Post("/color", s.handleSetColor)
				r.Post("/cct", s.handleSetCCT)
				r.Post("/effect", s.handleSetEffect)

				// Metadata
				r.Post("/rename", s.handleRename)
				r.Put("/location", s.handleSetLocation)

				// Catalogues and presets
				r.Get("/effects", s.handleListEffects)
				r.Get("/palettes", s.handleListPalettes)
				r.Get("/presets", s.handleListPresets)
				r.Post("/presets/{pid}/apply", s.handleApplyPreset)
				r.Put("/presets/{pid}", s.handleSavePreset)

				// Surfaced errors
				r.Get("/error", s.handleGetError)
				r.Delete("/error", s.handleDismissError)
			})
		})

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
