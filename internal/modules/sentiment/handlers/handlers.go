// Package handlers provides the sentiment HTTP endpoints.
package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/sentiment"
)

// Handler handles sentiment requests.
type Handler struct {
	analyzer *sentiment.Analyzer
	log      zerolog.Logger
}

// NewHandler creates a new sentiment handler.
func NewHandler(analyzer *sentiment.Analyzer, log zerolog.Logger) *Handler {
	return &Handler{
		analyzer: analyzer,
		log:      log.With().Str("handler", "sentiment").Logger(),
	}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

// HandleAnalyze handles POST /api/sentiment/analyze.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	res, err := h.analyzer.Analyze(r.Context(), req.Text)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, res)
}

// HandleSymbol handles GET /api/sentiment/symbols/{symbol}.
func (h *Handler) HandleSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	score, err := h.analyzer.SymbolSentiment(r.Context(), symbol)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"symbol":          symbol,
		"sentiment":       score,
		"sentiment_label": sentiment.Label(score),
	})
}
