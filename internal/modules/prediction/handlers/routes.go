package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the prediction routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/predict", func(r chi.Router) {
		r.Get("/", h.HandlePredict)
		r.Post("/", h.HandleBatch)
	})
}
