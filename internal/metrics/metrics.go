// Package metrics records process-lifetime counters and exposes them to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/augur/internal/domain"
)

// Totals are counters since process start. They reset only on restart.
type Totals struct {
	Predictions      int64         `json:"predictions"`
	Errors           int64         `json:"errors"`
	LatencySum       time.Duration `json:"latency_sum"`
	CacheHits        int64         `json:"cache_hits"`
	CacheMisses      int64         `json:"cache_misses"`
	Alerts           int64         `json:"alerts"`
	SentimentQueries int64         `json:"sentiment_queries"`
}

// Sub returns t minus an earlier baseline.
func (t Totals) Sub(base Totals) Totals {
	return Totals{
		Predictions:      t.Predictions - base.Predictions,
		Errors:           t.Errors - base.Errors,
		LatencySum:       t.LatencySum - base.LatencySum,
		CacheHits:        t.CacheHits - base.CacheHits,
		CacheMisses:      t.CacheMisses - base.CacheMisses,
		Alerts:           t.Alerts - base.Alerts,
		SentimentQueries: t.SentimentQueries - base.SentimentQueries,
	}
}

// ErrorRate is errors per prediction, 0 without predictions.
func (t Totals) ErrorRate() float64 {
	if t.Predictions == 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Predictions)
}

// AverageLatency is the mean prediction latency.
func (t Totals) AverageLatency() time.Duration {
	if t.Predictions == 0 {
		return 0
	}
	return t.LatencySum / time.Duration(t.Predictions)
}

// Recorder records application metrics. Safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	predictions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cache       *prometheus.CounterVec
	drift       *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
	modelsUp    prometheus.Gauge
	sentiment   *prometheus.CounterVec
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec

	mu     sync.Mutex
	totals Totals
}

// New creates a recorder with its own Prometheus registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "augur_predictions_total",
			Help: "Total number of model predictions",
		}, []string{"model_key", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "augur_prediction_duration_seconds",
			Help:    "Model prediction latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"model_key"}),
		cache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "augur_prediction_cache_total",
			Help: "Prediction cache lookups",
		}, []string{"result"}),
		drift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "augur_model_drift_score",
			Help: "Latest mean PSI between live and training inputs",
		}, []string{"model_key"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "augur_alerts_total",
			Help: "Monitoring alerts raised",
		}, []string{"kind", "level"}),
		modelsUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "augur_models_loaded",
			Help: "Number of model slots serving",
		}),
		sentiment: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "augur_sentiment_requests_total",
			Help: "Sentiment analyses by scorer outcome",
		}, []string{"outcome"}),
		httpTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "augur_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "method", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "augur_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// RecordPrediction counts one prediction and its latency.
func (r *Recorder) RecordPrediction(key domain.ModelKey, latency time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.predictions.WithLabelValues(string(key), outcome).Inc()
	r.latency.WithLabelValues(string(key)).Observe(latency.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Predictions++
	r.totals.LatencySum += latency
	if err != nil {
		r.totals.Errors++
	}
}

// RecordCache counts a cache lookup.
func (r *Recorder) RecordCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cache.WithLabelValues(result).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.totals.CacheHits++
	} else {
		r.totals.CacheMisses++
	}
}

// RecordDrift sets the latest drift score of a model.
func (r *Recorder) RecordDrift(key domain.ModelKey, score float64) {
	r.drift.WithLabelValues(string(key)).Set(score)
}

// RecordAlert counts a raised alert.
func (r *Recorder) RecordAlert(kind, level string) {
	r.alerts.WithLabelValues(kind, level).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Alerts++
}

// SetModelsLoaded sets the number of serving slots.
func (r *Recorder) SetModelsLoaded(n int) {
	r.modelsUp.Set(float64(n))
}

// RecordSentiment counts a sentiment analysis. outcome is "combined" or "lexicon_only".
func (r *Recorder) RecordSentiment(outcome string) {
	r.sentiment.WithLabelValues(outcome).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.SentimentQueries++
}

// Totals returns the process-lifetime counters.
func (r *Recorder) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}

// Handler serves the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpTotal.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		r.httpLatency.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}
