package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/di"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:          dir,
		ModelsDir:        filepath.Join(dir, "models"),
		ReportsDir:       filepath.Join(dir, "reports"),
		Port:             0,
		PredictTimeout:   time.Second,
		CacheTTL:         time.Minute,
		SentimentTimeout: time.Second,
		SentimentRPS:     5,
		Policy:           config.DefaultPolicy(),
	}
	log := zerolog.New(nil).Level(zerolog.Disabled)
	c, err := di.Wire(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return New(Config{Log: log, DevMode: true, Container: c})
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth_NoModels(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "no_models", body["status"])
	assert.Equal(t, float64(0), body["models_loaded"])
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"model server predict unknown", http.MethodPost, "/predict", `{"features":{"close":1,"asset_type":"stocks"},"model_type":"xgb"}`, http.StatusNotFound},
		{"public predict without data", http.MethodGet, "/api/predict?symbol=NONE", "", http.StatusNotFound},
		{"public predict bad horizon", http.MethodGet, "/api/predict?horizon=2y", "", http.StatusBadRequest},
		{"sentiment empty", http.MethodPost, "/api/sentiment/analyze", `{"text":""}`, http.StatusBadRequest},
		{"sentiment text", http.MethodPost, "/api/sentiment/analyze", `{"text":"strong growth"}`, http.StatusOK},
		{"models", http.MethodGet, "/api/models", "", http.StatusOK},
		{"training runs", http.MethodGet, "/api/training/runs", "", http.StatusOK},
		{"monitor tasks", http.MethodGet, "/api/monitor/tasks", "", http.StatusOK},
		{"monitor alerts", http.MethodGet, "/api/monitor/alerts", "", http.StatusOK},
		{"symbols", http.MethodGet, "/api/data/symbols", "", http.StatusOK},
		{"system status", http.MethodGet, "/api/system/status", "", http.StatusOK},
		{"artifacts", http.MethodGet, "/api/system/artifacts", "", http.StatusOK},
		{"unknown", http.MethodGet, "/api/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	serve(s, http.MethodGet, "/health", "")

	rec := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "augur_")
}
