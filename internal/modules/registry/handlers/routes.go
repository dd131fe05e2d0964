package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the model-server routes at the router root.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Post("/predict", h.HandlePredict)
}

// RegisterAPIRoutes registers model management routes under the API router.
func (h *Handler) RegisterAPIRoutes(r chi.Router) {
	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.HandleListModels)
		r.Post("/reload", h.HandleReload)
	})
}
