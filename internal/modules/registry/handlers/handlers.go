// Package handlers provides the model-server HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/registry"
)

// assetField names the feature entry that selects the asset class.
const assetField = "asset_type"

// Models is the registry surface the handlers need.
type Models interface {
	Predict(ctx context.Context, req registry.Request) (*registry.Result, error)
	HealthCheck() registry.Health
	Reload(ctx context.Context, key domain.ModelKey) error
	Keys() []domain.ModelKey
}

// Handler serves /health, /predict and model management.
type Handler struct {
	models Models
	log    zerolog.Logger
}

// NewHandler creates a new model-server handler.
func NewHandler(models Models, log zerolog.Logger) *Handler {
	return &Handler{
		models: models,
		log:    log.With().Str("handler", "model_server").Logger(),
	}
}

// PredictRequest is the body of POST /predict. Features is a single row and may
// carry asset_type; Rows supplies history for sequence models.
type PredictRequest struct {
	Features  map[string]interface{} `json:"features"`
	Rows      []map[string]float64   `json:"rows,omitempty"`
	ModelType string                 `json:"model_type"`
}

// PredictResponse is the body of a successful POST /predict.
type PredictResponse struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	Version    string  `json:"version"`
	Timestamp  string  `json:"timestamp"`
}

// HandleHealth handles GET /health. Always 200; degraded states are in the body.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, h.log, http.StatusOK, h.models.HealthCheck())
}

// HandlePredict handles POST /predict.
func (h *Handler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	var body PredictRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	req, err := toRequest(body)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}

	res, err := h.models.Predict(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, PredictResponse{
		Prediction: res.Value,
		Confidence: res.Confidence,
		Model:      string(res.ModelKey),
		Version:    res.Version,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// toRequest splits the feature map into the asset class and numeric features.
// An unknown asset class or model type names a model that cannot exist.
func toRequest(body PredictRequest) (registry.Request, error) {
	if len(body.Features) == 0 && len(body.Rows) == 0 {
		return registry.Request{}, domain.NewValidationError("features", "features are required")
	}
	assetRaw := string(domain.AssetStocks)
	row := make(map[string]float64, len(body.Features))
	for name, v := range body.Features {
		if name == assetField {
			s, ok := v.(string)
			if !ok {
				return registry.Request{}, domain.NewValidationError(assetField, "must be a string")
			}
			assetRaw = strings.ToLower(s)
			continue
		}
		switch n := v.(type) {
		case float64:
			row[name] = n
		case bool, string, nil:
			// Non-numeric context fields such as symbol are ignored
		default:
			return registry.Request{}, domain.NewValidationError("features."+name, "must be a number")
		}
	}

	modelType := body.ModelType
	if modelType == "" {
		modelType = string(domain.FamilyTree)
	}
	asset, aerr := domain.ParseAssetClass(assetRaw)
	family, ferr := domain.ParseModelFamily(modelType)
	if aerr != nil || ferr != nil {
		return registry.Request{}, &domain.ModelNotFoundError{Key: assetRaw + "_" + strings.ToLower(modelType)}
	}

	rows := body.Rows
	if len(row) > 0 {
		rows = append(append([]map[string]float64(nil), rows...), row)
	}
	return registry.Request{AssetClass: asset, Family: family, Rows: rows}, nil
}

// HandleListModels handles GET /api/models.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"models": h.models.HealthCheck().Slots,
	})
}

type reloadRequest struct {
	Key string `json:"key"`
}

// HandleReload handles POST /api/models/reload. An empty body or key reloads every slot.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	var body reloadRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &body); err != nil {
			httputil.WriteError(w, h.log, err)
			return
		}
	}

	keys := h.models.Keys()
	if body.Key != "" {
		key := domain.ModelKey(body.Key)
		if _, _, err := key.Split(); err != nil {
			httputil.WriteError(w, h.log, err)
			return
		}
		keys = []domain.ModelKey{key}
	}

	results := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := h.models.Reload(r.Context(), key); err != nil {
			h.log.Warn().Err(err).Str("model_key", string(key)).Msg("Reload failed")
			results[string(key)] = err.Error()
			continue
		}
		results[string(key)] = "reloaded"
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"results": results,
		"health":  h.models.HealthCheck(),
	})
}
