package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the market data routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/data", func(r chi.Router) {
		r.Post("/bars", h.HandleImportBars)
		r.Get("/bars/{symbol}", h.HandleGetBars)
		r.Get("/symbols", h.HandleSymbols)
		r.Post("/news", h.HandleAddNews)
	})
}
