package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the sentiment routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sentiment", func(r chi.Router) {
		r.Post("/analyze", h.HandleAnalyze)
		r.Get("/symbols/{symbol}", h.HandleSymbol)
	})
}
