package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the monitor routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/monitor", func(r chi.Router) {
		r.Get("/alerts", h.HandleAlerts)
		r.Get("/reports", h.HandleReports)
		r.Get("/tasks", h.HandleTasks)
		r.Post("/run/{name}", h.HandleRunTask)
	})
}
