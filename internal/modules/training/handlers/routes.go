package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the training routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/training", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{id}", h.HandleGetRun)
		r.Post("/{asset}", h.HandleTrigger)
	})
}
