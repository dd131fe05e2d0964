package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Totals(t *testing.T) {
	r := New()
	r.RecordPrediction("stocks_xgb", 10*time.Millisecond, nil)
	r.RecordPrediction("stocks_xgb", 30*time.Millisecond, nil)
	r.RecordPrediction("crypto_lstm", 20*time.Millisecond, errors.New("boom"))
	r.RecordCache(true)
	r.RecordCache(false)
	r.RecordAlert("drift", "warning")
	r.RecordSentiment("combined")

	got := r.Totals()
	assert.Equal(t, int64(3), got.Predictions)
	assert.Equal(t, int64(1), got.Errors)
	assert.Equal(t, 20*time.Millisecond, got.AverageLatency())
	assert.InDelta(t, 1.0/3, got.ErrorRate(), 1e-12)
	assert.Equal(t, int64(1), got.CacheHits)
	assert.Equal(t, int64(1), got.CacheMisses)
	assert.Equal(t, int64(1), got.Alerts)
	assert.Equal(t, int64(1), got.SentimentQueries)
}

func TestTotals_Sub(t *testing.T) {
	base := Totals{Predictions: 10, Errors: 1, LatencySum: time.Second}
	now := Totals{Predictions: 30, Errors: 3, LatencySum: 3 * time.Second}

	delta := now.Sub(base)
	assert.Equal(t, int64(20), delta.Predictions)
	assert.Equal(t, int64(2), delta.Errors)
	assert.Equal(t, 100*time.Millisecond, delta.AverageLatency())
	assert.Equal(t, 0.0, Totals{}.ErrorRate())
	assert.Equal(t, time.Duration(0), Totals{}.AverageLatency())
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.RecordPrediction("stocks_xgb", time.Millisecond, nil)
	r.RecordDrift("stocks_xgb", 0.25)
	r.SetModelsLoaded(2)

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/ping/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	router.Handle("/metrics", r.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping/7", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	assert.Contains(t, text, `augur_predictions_total{model_key="stocks_xgb",outcome="success"} 1`)
	assert.Contains(t, text, `augur_model_drift_score{model_key="stocks_xgb"} 0.25`)
	assert.Contains(t, text, `augur_models_loaded 2`)
	assert.Contains(t, text, `augur_http_requests_total{method="GET",route="/ping/{id}",status="418"} 1`)
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Two recorders must not collide on registration
	a, b := New(), New()
	a.RecordCache(true)
	assert.Equal(t, int64(0), b.Totals().CacheHits)
}
