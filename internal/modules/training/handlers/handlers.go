// Package handlers provides HTTP handlers for training history and retraining.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/training"
)

// RunReader reads the training run history.
type RunReader interface {
	List(ctx context.Context, name string, limit int) ([]training.Run, error)
	Get(ctx context.Context, id string) (*training.Run, error)
}

// Retrainer starts background training for an asset class.
type Retrainer interface {
	Trigger(asset domain.AssetClass) bool
	Running(asset domain.AssetClass) bool
}

// Handler handles training requests.
type Handler struct {
	runs      RunReader
	retrainer Retrainer
	log       zerolog.Logger
}

// NewHandler creates a new training handler.
func NewHandler(runs RunReader, retrainer Retrainer, log zerolog.Logger) *Handler {
	return &Handler{
		runs:      runs,
		retrainer: retrainer,
		log:       log.With().Str("handler", "training").Logger(),
	}
}

// HandleListRuns handles GET /api/training/runs?name=&limit=.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	runs, err := h.runs.List(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if runs == nil {
		runs = []training.Run{}
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGetRun handles GET /api/training/runs/{id}.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, run)
}

// HandleTrigger handles POST /api/training/{asset}. Training runs in the
// background; the response is 202 or 409 when a run is already in flight.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	asset, err := domain.ParseAssetClass(chi.URLParam(r, "asset"))
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if !h.retrainer.Trigger(asset) {
		httputil.WriteJSON(w, h.log, http.StatusConflict, map[string]interface{}{
			"asset_class": asset,
			"status":      "already_running",
		})
		return
	}
	h.log.Info().Str("asset_class", string(asset)).Msg("Training triggered")
	httputil.WriteJSON(w, h.log, http.StatusAccepted, map[string]interface{}{
		"asset_class": asset,
		"status":      "started",
	})
}

// HandleStatus handles GET /api/training/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	running := make(map[domain.AssetClass]bool, len(domain.AllAssetClasses))
	for _, a := range domain.AllAssetClasses {
		running[a] = h.retrainer.Running(a)
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{"running": running})
}
