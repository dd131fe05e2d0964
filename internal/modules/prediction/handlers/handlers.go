// Package handlers provides the public prediction HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/prediction"
)

const defaultSymbol = "AAPL"

// Predictor is the prediction service surface the handlers need.
type Predictor interface {
	Predict(ctx context.Context, req prediction.Request) (*domain.Prediction, error)
	PredictBatch(ctx context.Context, req prediction.BatchRequest) ([]prediction.BatchItem, error)
}

// Handler handles prediction requests.
type Handler struct {
	service Predictor
	log     zerolog.Logger
}

// NewHandler creates a new prediction handler.
func NewHandler(service Predictor, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "prediction").Logger(),
	}
}

// PredictionResponse is the body of GET /api/predict.
type PredictionResponse struct {
	Symbol     string  `json:"symbol"`
	Timestamp  string  `json:"timestamp"`
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
	Horizon    string  `json:"horizon"`
	ModelUsed  string  `json:"model_used"`
	ModelKey   string  `json:"model_key"`
	Version    string  `json:"version"`
}

// BatchResponse is the body of POST /api/predict.
type BatchResponse struct {
	Predictions []prediction.BatchItem `json:"predictions"`
	Horizon     string                 `json:"horizon"`
	ModelUsed   string                 `json:"model_used"`
}

// HandlePredict handles GET /api/predict?symbol=&horizon=&model=.
func (h *Handler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := prediction.Request{
		Symbol:  q.Get("symbol"),
		Horizon: q.Get("horizon"),
		Model:   q.Get("model"),
	}
	if req.Symbol == "" {
		req.Symbol = defaultSymbol
	}

	p, err := h.service.Predict(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	model := req.Model
	if model == "" {
		model = "xgboost"
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, PredictionResponse{
		Symbol:     p.Symbol,
		Timestamp:  p.Timestamp.UTC().Format(time.RFC3339),
		Prediction: p.Value,
		Confidence: p.Confidence,
		Sentiment:  p.Sentiment,
		Horizon:    p.Horizon,
		ModelUsed:  model,
		ModelKey:   string(p.ModelKey),
		Version:    p.Version,
	})
}

// HandleBatch handles POST /api/predict with {"symbols": [...], "horizon", "model"}.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req prediction.BatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	items, err := h.service.PredictBatch(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	model := req.Model
	if model == "" {
		model = "xgboost"
	}
	horizon := req.Horizon
	if horizon == "" {
		horizon = "1d"
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, BatchResponse{
		Predictions: items,
		Horizon:     horizon,
		ModelUsed:   model,
	})
}
