// Package monitor watches serving models: periodic health probes, drift and accuracy
// checks against the training reference, alerts and a daily report.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/metrics"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/drift"
)

// Task names.
const (
	TaskHealth = "health"
	TaskDrift  = "drift"
	TaskReport = "report"
)

const deliveryTimeout = 10 * time.Second

// ModelSource is the registry surface the monitor reads.
type ModelSource interface {
	Serving() []domain.ModelKey
	Probe(ctx context.Context, key domain.ModelKey) (time.Duration, error)
	Reference(key domain.ModelKey) (drift.Reference, bool)
	Artifact(key domain.ModelKey) (*artifacts.Artifact, bool)
}

// AccuracySource measures live directional accuracy of a model on recent data.
type AccuracySource interface {
	RecentAccuracy(ctx context.Context, key domain.ModelKey) (accuracy float64, samples int, err error)
}

// Deps are the collaborators of a Monitor. Alerts, Retrainer and Accuracy may be nil.
type Deps struct {
	Models    ModelSource
	Collector *drift.Collector
	Recorder  *metrics.Recorder
	Alerts    *AlertStore
	Reports   *ReportStore
	Notifier  Notifier
	Retrainer *Retrainer
	Accuracy  AccuracySource
}

// Monitor runs the monitoring tasks: health every few minutes, drift hourly
// and the daily report. Task failures are logged by the scheduler and never
// stop the loop. Alerts are stored first and then delivered in the background.
type Monitor struct {
	deps      Deps
	policy    config.MonitorPolicy
	scheduler *Scheduler
	now       func() time.Time

	mu           sync.Mutex
	latencyBase  map[domain.ModelKey]float64 // EWMA of probe latency in seconds
	lastDrift    map[domain.ModelKey]float64
	lastAccuracy map[domain.ModelKey]float64
	reportBase   metrics.Totals

	deliveries sync.WaitGroup
	log        zerolog.Logger
}

// New creates a monitor and registers its tasks. It fails when a configured
// schedule does not parse. Without a notifier alerts go to the log.
func New(deps Deps, policy config.MonitorPolicy, log zerolog.Logger) (*Monitor, error) {
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(log)
	}
	m := &Monitor{
		deps:         deps,
		policy:       policy,
		scheduler:    NewScheduler(policy.Tick, log),
		now:          time.Now,
		latencyBase:  make(map[domain.ModelKey]float64),
		lastDrift:    make(map[domain.ModelKey]float64),
		lastAccuracy: make(map[domain.ModelKey]float64),
		log:          log.With().Str("component", "model_monitor").Logger(),
	}
	if deps.Retrainer != nil {
		deps.Retrainer.OnPromoted(deps.Collector.Reset)
	}

	tasks := []struct {
		name, spec string
		fn         TaskFunc
	}{
		{TaskHealth, policy.HealthSchedule, m.CheckHealth},
		{TaskDrift, policy.DriftSchedule, m.CheckDrift},
		{TaskReport, policy.ReportSchedule, func(ctx context.Context) error {
			_, err := m.GenerateReport(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		if err := m.scheduler.Register(t.name, t.spec, policy.TaskTimeout, t.fn); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Start runs the scheduler in the background.
func (m *Monitor) Start() {
	go m.scheduler.Run()
	m.log.Info().
		Str("health", m.policy.HealthSchedule).
		Str("drift", m.policy.DriftSchedule).
		Str("report", m.policy.ReportSchedule).
		Msg("Model monitor started")
}

// Stop halts the scheduler and waits for background work: running tasks,
// retrainings started by the drift check and pending alert deliveries.
func (m *Monitor) Stop() {
	m.scheduler.Stop()
	if m.deps.Retrainer != nil {
		m.deps.Retrainer.Wait()
	}
	m.deliveries.Wait()
}

// RunTask starts a task immediately. It returns false when the task is already running.
func (m *Monitor) RunTask(name string) (bool, error) {
	return m.scheduler.RunNow(name)
}

// Tasks describes the scheduled tasks.
func (m *Monitor) Tasks() []TaskStatus {
	return m.scheduler.Status()
}

// Flush waits for pending alert deliveries.
func (m *Monitor) Flush() {
	m.deliveries.Wait()
}

// CheckHealth probes every serving model with a stored sample input, compares the
// latency with its running baseline and checks the error rate since the last report.
func (m *Monitor) CheckHealth(ctx context.Context) error {
	serving := m.deps.Models.Serving()
	m.deps.Recorder.SetModelsLoaded(len(serving))

	for _, key := range serving {
		if err := ctx.Err(); err != nil {
			return err
		}
		latency, err := m.deps.Models.Probe(ctx, key)
		if err != nil {
			m.raise(ctx, Alert{
				Level:    LevelCritical,
				Kind:     KindProbe,
				ModelKey: string(key),
				Message:  fmt.Sprintf("Health probe of %s failed: %v", key, err),
			})
			continue
		}
		m.checkLatency(ctx, key, latency.Seconds())
	}

	m.mu.Lock()
	since := m.deps.Recorder.Totals().Sub(m.reportBase)
	m.mu.Unlock()
	if rate := since.ErrorRate(); since.Predictions > 0 && rate > m.policy.ErrorRateThreshold {
		m.raise(ctx, Alert{
			Level:     LevelWarning,
			Kind:      KindErrorRate,
			Message:   fmt.Sprintf("Prediction error rate %.2f%% over %d predictions", rate*100, since.Predictions),
			Value:     rate,
			Threshold: m.policy.ErrorRateThreshold,
		})
	}
	return nil
}

func (m *Monitor) checkLatency(ctx context.Context, key domain.ModelKey, secs float64) {
	m.mu.Lock()
	base, seen := m.latencyBase[key]
	if seen {
		m.latencyBase[key] = m.policy.LatencyEWMAAlpha*secs + (1-m.policy.LatencyEWMAAlpha)*base
	} else {
		m.latencyBase[key] = secs
	}
	m.mu.Unlock()

	if limit := m.policy.LatencyMultiplier * base; seen && base > 0 && secs > limit {
		m.raise(ctx, Alert{
			Level:     LevelWarning,
			Kind:      KindLatency,
			ModelKey:  string(key),
			Message:   fmt.Sprintf("Latency of %s is %.1fx its baseline", key, secs/base),
			Value:     secs,
			Threshold: limit,
		})
	}
}

// CheckDrift compares each serving model's live inputs with its training reference
// and, when configured, its recent accuracy with its backtest accuracy.
func (m *Monitor) CheckDrift(ctx context.Context) error {
	for _, key := range m.deps.Models.Serving() {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.checkDrift(ctx, key)
		if m.deps.Accuracy != nil {
			m.checkAccuracy(ctx, key)
		}
	}
	return nil
}

func (m *Monitor) checkDrift(ctx context.Context, key domain.ModelKey) {
	log := m.log.With().Str("model_key", string(key)).Logger()
	live := m.deps.Collector.Snapshot(key)
	if len(live) < m.policy.MinDriftSamples {
		log.Debug().Int("samples", len(live)).Int("required", m.policy.MinDriftSamples).Msg("Not enough live samples for drift")
		return
	}
	ref, ok := m.deps.Models.Reference(key)
	if !ok {
		return
	}

	report := drift.Score(ref, live)
	m.mu.Lock()
	m.lastDrift[key] = report.Score
	m.mu.Unlock()
	m.deps.Recorder.RecordDrift(key, report.Score)

	top := make([]string, 0, 3)
	for _, f := range report.Top(3) {
		top = append(top, fmt.Sprintf("%s=%.3f", f.Name, f.PSI))
	}
	log.Info().Float64("psi", report.Score).Int("samples", report.Samples).Strs("top_features", top).Msg("Drift checked")

	switch {
	case report.Score > m.policy.DriftRetrainThreshold:
		m.raise(ctx, Alert{
			Level:     LevelCritical,
			Kind:      KindDrift,
			ModelKey:  string(key),
			Message:   fmt.Sprintf("Severe input drift on %s (PSI %.3f; %v)", key, report.Score, top),
			Value:     report.Score,
			Threshold: m.policy.DriftRetrainThreshold,
		})
		m.retrain(ctx, key, report.Score)
	case report.Score > m.policy.DriftAlertThreshold:
		m.raise(ctx, Alert{
			Level:     LevelWarning,
			Kind:      KindDrift,
			ModelKey:  string(key),
			Message:   fmt.Sprintf("Input drift on %s (PSI %.3f; %v)", key, report.Score, top),
			Value:     report.Score,
			Threshold: m.policy.DriftAlertThreshold,
		})
	}
}

func (m *Monitor) retrain(ctx context.Context, key domain.ModelKey, score float64) {
	if !m.policy.AutoRetrain || m.deps.Retrainer == nil {
		return
	}
	asset, _, err := key.Split()
	if err != nil {
		return
	}
	if m.deps.Retrainer.Trigger(asset) {
		m.raise(ctx, Alert{
			Level:     LevelInfo,
			Kind:      KindRetrain,
			ModelKey:  string(key),
			Message:   fmt.Sprintf("Retraining %s models after drift on %s", asset, key),
			Value:     score,
			Threshold: m.policy.DriftRetrainThreshold,
		})
	}
}

func (m *Monitor) checkAccuracy(ctx context.Context, key domain.ModelKey) {
	art, ok := m.deps.Models.Artifact(key)
	if !ok {
		return
	}
	acc, n, err := m.deps.Accuracy.RecentAccuracy(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("model_key", string(key)).Msg("Accuracy check failed")
		return
	}
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.lastAccuracy[key] = acc
	m.mu.Unlock()

	baseline := art.Backtest.DirectionalAccuracy
	if drop := baseline - acc; drop > m.policy.AccuracyDropThreshold {
		m.raise(ctx, Alert{
			Level:     LevelWarning,
			Kind:      KindAccuracy,
			ModelKey:  string(key),
			Message:   fmt.Sprintf("Directional accuracy of %s fell from %.2f to %.2f over %d samples", key, baseline, acc, n),
			Value:     drop,
			Threshold: m.policy.AccuracyDropThreshold,
		})
	}
}

// GenerateReport summarizes activity since the previous report and writes it.
// The baseline advances only when the report was written.
func (m *Monitor) GenerateReport(ctx context.Context) (*Report, error) {
	now := m.now().UTC()
	totals := m.deps.Recorder.Totals()

	m.mu.Lock()
	since := totals.Sub(m.reportBase)
	report := &Report{
		Date:             now.Format("2006-01-02"),
		GeneratedAt:      now,
		ModelsMonitored:  len(m.deps.Models.Serving()),
		TotalPredictions: since.Predictions,
		Errors:           since.Errors,
		ErrorRate:        since.ErrorRate(),
		AverageLatencyMs: float64(since.AverageLatency().Microseconds()) / 1000,
		AlertsGenerated:  since.Alerts,
		Drift:            copyScores(m.lastDrift),
		Accuracy:         copyScores(m.lastAccuracy),
	}
	m.mu.Unlock()
	if lookups := since.CacheHits + since.CacheMisses; lookups > 0 {
		report.CacheHitRate = float64(since.CacheHits) / float64(lookups)
	}
	report.Recommendations = m.recommendations(report)

	path, err := m.deps.Reports.Save(ctx, report)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.reportBase = totals
	m.mu.Unlock()

	m.log.Info().
		Str("path", path).
		Int64("predictions", report.TotalPredictions).
		Float64("error_rate", report.ErrorRate).
		Int64("alerts", report.AlertsGenerated).
		Msg("Daily report written")
	return report, nil
}

func (m *Monitor) recommendations(r *Report) []string {
	var out []string
	if r.ModelsMonitored == 0 {
		out = append(out, "No models are serving: train and promote models")
	}
	if r.TotalPredictions > 0 && r.ErrorRate > m.policy.ErrorRateThreshold {
		out = append(out, fmt.Sprintf("Error rate %.1f%% is above %.1f%%: inspect failing requests",
			r.ErrorRate*100, m.policy.ErrorRateThreshold*100))
	}

	keys := make([]string, 0, len(r.Drift))
	for k := range r.Drift {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if score := r.Drift[k]; score > m.policy.DriftAlertThreshold {
			out = append(out, fmt.Sprintf("Retrain %s: input drift PSI %.3f", k, score))
		}
	}

	keys = keys[:0]
	for k := range r.Accuracy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		art, ok := m.deps.Models.Artifact(domain.ModelKey(k))
		if ok && art.Backtest.DirectionalAccuracy-r.Accuracy[k] > m.policy.AccuracyDropThreshold {
			out = append(out, fmt.Sprintf("Review %s: live directional accuracy %.2f", k, r.Accuracy[k]))
		}
	}

	if len(out) == 0 {
		out = append(out, "All models within thresholds")
	}
	return out
}

// raise stores and counts an alert, then delivers it in the background.
// Delivery failure is logged and never returned.
func (m *Monitor) raise(ctx context.Context, a Alert) {
	a.ID = uuid.New().String()
	a.Timestamp = m.now().UTC()
	m.deps.Recorder.RecordAlert(a.Kind, string(a.Level))

	if m.deps.Alerts != nil {
		if err := m.deps.Alerts.Insert(ctx, a); err != nil {
			m.log.Error().Err(err).Str("alert_id", a.ID).Msg("Failed to store alert")
		}
	}

	m.deliveries.Add(1)
	go func() {
		defer m.deliveries.Done()
		dctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := m.deps.Notifier.Notify(dctx, a); err != nil {
			m.log.Warn().Err(err).Str("alert_id", a.ID).Str("kind", a.Kind).Msg("Alert delivery failed")
			return
		}
		if m.deps.Alerts != nil {
			if err := m.deps.Alerts.MarkDelivered(dctx, a.ID); err != nil {
				m.log.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to mark alert delivered")
			}
		}
	}()
}

// Alerts returns stored alerts newest first.
func (m *Monitor) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	if m.deps.Alerts == nil {
		return nil, nil
	}
	return m.deps.Alerts.List(ctx, limit)
}

// Reports returns stored reports newest first.
func (m *Monitor) Reports(ctx context.Context, limit int) ([]Report, error) {
	return m.deps.Reports.List(ctx, limit)
}

func copyScores(in map[domain.ModelKey]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
