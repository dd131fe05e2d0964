// Package handlers provides HTTP handlers for monitoring state.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/monitor"
)

// Monitor is the monitor surface the handlers need.
type Monitor interface {
	Alerts(ctx context.Context, limit int) ([]monitor.Alert, error)
	Reports(ctx context.Context, limit int) ([]monitor.Report, error)
	Tasks() []monitor.TaskStatus
	RunTask(name string) (bool, error)
}

// Handler handles monitor requests.
type Handler struct {
	monitor Monitor
	log     zerolog.Logger
}

// NewHandler creates a new monitor handler.
func NewHandler(m Monitor, log zerolog.Logger) *Handler {
	return &Handler{
		monitor: m,
		log:     log.With().Str("handler", "monitor").Logger(),
	}
}

// HandleAlerts handles GET /api/monitor/alerts?limit=.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	alerts, err := h.monitor.Alerts(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// HandleReports handles GET /api/monitor/reports?limit=.
func (h *Handler) HandleReports(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 7)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	reports, err := h.monitor.Reports(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if reports == nil {
		reports = []monitor.Report{}
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{"reports": reports})
}

// HandleTasks handles GET /api/monitor/tasks.
func (h *Handler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{"tasks": h.monitor.Tasks()})
}

// HandleRunTask handles POST /api/monitor/run/{name}. A task that is
// already running is not started twice.
func (h *Handler) HandleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	started, err := h.monitor.RunTask(name)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	status, state := http.StatusAccepted, "started"
	if !started {
		status, state = http.StatusConflict, "already_running"
	}
	httputil.WriteJSON(w, h.log, status, map[string]string{"task": name, "status": state})
}
