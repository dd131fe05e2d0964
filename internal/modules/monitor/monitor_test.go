package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/metrics"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/training"
	testutil "github.com/aristath/augur/internal/testing"
)

var (
	stocksTree = domain.NewModelKey(domain.AssetStocks, domain.FamilyTree)
	cryptoTree = domain.NewModelKey(domain.AssetCrypto, domain.FamilyTree)
)

func quietLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func testPolicy() config.MonitorPolicy {
	return config.MonitorPolicy{
		HealthSchedule:        "@every 1h",
		DriftSchedule:         "@every 1h",
		ReportSchedule:        "0 2 * * *",
		TaskTimeout:           time.Minute,
		Tick:                  time.Hour,
		LatencyMultiplier:     2,
		LatencyEWMAAlpha:      0.2,
		ErrorRateThreshold:    0.05,
		AccuracyDropThreshold: 0.1,
		DriftAlertThreshold:   0.2,
		DriftRetrainThreshold: 0.3,
		DriftBins:             10,
		MinDriftSamples:       50,
		LiveBufferSize:        500,
		AutoRetrain:           true,
	}
}

func normalRows(seed int64, n int, mean float64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{mean + rng.NormFloat64(), mean + 2*rng.NormFloat64()}
	}
	return out
}

type fakeModels struct {
	mu        sync.Mutex
	serving   []domain.ModelKey
	latencies map[domain.ModelKey][]time.Duration
	probeErr  map[domain.ModelKey]error
	refs      map[domain.ModelKey]drift.Reference
	arts      map[domain.ModelKey]*artifacts.Artifact
}

func newFakeModels(keys ...domain.ModelKey) *fakeModels {
	f := &fakeModels{
		serving:   keys,
		latencies: make(map[domain.ModelKey][]time.Duration),
		probeErr:  make(map[domain.ModelKey]error),
		refs:      make(map[domain.ModelKey]drift.Reference),
		arts:      make(map[domain.ModelKey]*artifacts.Artifact),
	}
	ref := drift.BuildReference([]string{"f1", "f2"}, normalRows(1, 1000, 0), 10)
	for _, k := range keys {
		f.refs[k] = ref
		f.arts[k] = &artifacts.Artifact{Key: k, Backtest: backtest.Metrics{DirectionalAccuracy: 0.6}}
	}
	return f
}

func (f *fakeModels) Serving() []domain.ModelKey { return f.serving }

func (f *fakeModels) Probe(_ context.Context, key domain.ModelKey) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.probeErr[key]; err != nil {
		return 0, err
	}
	queue := f.latencies[key]
	if len(queue) == 0 {
		return time.Millisecond, nil
	}
	f.latencies[key] = queue[1:]
	return queue[0], nil
}

func (f *fakeModels) Reference(key domain.ModelKey) (drift.Reference, bool) {
	ref, ok := f.refs[key]
	return ref, ok
}

func (f *fakeModels) Artifact(key domain.ModelKey) (*artifacts.Artifact, bool) {
	a, ok := f.arts[key]
	return a, ok
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *captureNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fakeTrainer struct {
	calls   atomic.Int32
	release chan struct{}
	key     domain.ModelKey
}

func (f *fakeTrainer) TrainAssetClass(ctx context.Context, asset domain.AssetClass) (*training.Summary, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &training.Summary{
		AssetClass: asset,
		Results:    []training.FamilyResult{{Key: f.key, Status: training.RunPromoted, Version: "v2"}},
	}, nil
}

type fakeAccuracy struct {
	accuracy float64
	samples  int
}

func (f fakeAccuracy) RecentAccuracy(context.Context, domain.ModelKey) (float64, int, error) {
	return f.accuracy, f.samples, nil
}

type fixture struct {
	monitor   *Monitor
	models    *fakeModels
	collector *drift.Collector
	recorder  *metrics.Recorder
	alerts    *AlertStore
	notifier  *captureNotifier
	trainer   *fakeTrainer
	dir       string
}

func newFixture(t *testing.T, keys ...domain.ModelKey) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, "augur").Conn()
	f := &fixture{
		models:    newFakeModels(keys...),
		collector: drift.NewCollector(500),
		recorder:  metrics.New(),
		alerts:    NewAlertStore(db, quietLog()),
		notifier:  &captureNotifier{},
		trainer:   &fakeTrainer{},
		dir:       t.TempDir(),
	}
	if len(keys) > 0 {
		f.trainer.key = keys[0]
	}
	m, err := New(Deps{
		Models:    f.models,
		Collector: f.collector,
		Recorder:  f.recorder,
		Alerts:    f.alerts,
		Reports:   NewReportStore(f.dir, db, quietLog()),
		Notifier:  f.notifier,
		Retrainer: NewRetrainer(f.trainer, time.Minute, quietLog()),
	}, testPolicy(), quietLog())
	require.NoError(t, err)
	f.monitor = m
	t.Cleanup(m.Stop)
	return f
}

func (f *fixture) storedAlerts(t *testing.T) []Alert {
	t.Helper()
	f.monitor.Flush()
	list, err := f.alerts.List(context.Background(), 0)
	require.NoError(t, err)
	return list
}

func kinds(alerts []Alert) map[string]AlertLevel {
	out := make(map[string]AlertLevel)
	for _, a := range alerts {
		out[a.Kind] = a.Level
	}
	return out
}

func TestScheduler_RegisterValidation(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("a", "@every 1m", time.Second, noop))

	var verr *domain.ValidationError
	assert.ErrorAs(t, s.Register("b", "not a schedule", time.Second, noop), &verr)
	assert.ErrorAs(t, s.Register("c", "@hourly", 0, noop), &verr)
	assert.ErrorAs(t, s.Register("a", "@hourly", time.Second, noop), &verr)
}

func TestScheduler_RunNowSkipsWhileRunning(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	release := make(chan struct{})
	require.NoError(t, s.Register("slow", "@hourly", time.Minute, func(context.Context) error {
		<-release
		return nil
	}))

	started, err := s.RunNow("slow")
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.RunNow("slow")
	require.NoError(t, err)
	assert.False(t, started)

	close(release)
	s.Wait()

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Runs)
	assert.Equal(t, 1, status[0].Skips)
	assert.False(t, status[0].Running)
	assert.NotNil(t, status[0].LastRun)
}

func TestScheduler_RunNowUnknownTask(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	_, err := s.RunNow("missing")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestScheduler_TimeoutAbandonsTask(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, s.Register("stuck", "@hourly", 20*time.Millisecond, func(context.Context) error {
		<-block
		return nil
	}))

	_, err := s.RunNow("stuck")
	require.NoError(t, err)
	s.Wait()

	status := s.Status()[0]
	assert.Equal(t, 1, status.Failures)
	assert.Contains(t, status.LastError, "timed out")
	assert.False(t, status.Running)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	require.NoError(t, s.Register("boom", "@hourly", time.Second, func(context.Context) error {
		panic("broken")
	}))

	_, err := s.RunNow("boom")
	require.NoError(t, err)
	s.Wait()

	status := s.Status()[0]
	assert.Equal(t, 1, status.Failures)
	assert.Contains(t, status.LastError, "panicked")
}

func TestScheduler_RunsDueTasks(t *testing.T) {
	s := NewScheduler(time.Hour, quietLog())
	var hourly, daily atomic.Int32
	require.NoError(t, s.Register("hourly", "@hourly", time.Second, func(context.Context) error {
		hourly.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("daily", "@daily", time.Second, func(context.Context) error {
		daily.Add(1)
		return nil
	}))

	s.runDue(time.Now().Add(90 * time.Minute))
	s.Wait()
	assert.Equal(t, int32(1), hourly.Load())

	s.runDue(time.Now().Add(49 * time.Hour))
	s.Wait()
	assert.Equal(t, int32(2), hourly.Load())
	assert.Equal(t, int32(1), daily.Load())
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	policy := testPolicy()
	policy.DriftSchedule = "whenever"
	_, err := New(Deps{Collector: drift.NewCollector(10), Recorder: metrics.New()}, policy, quietLog())
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCheckDrift_SkipsWithoutEnoughSamples(t *testing.T) {
	f := newFixture(t, stocksTree)
	for _, row := range normalRows(2, 10, 5) {
		f.collector.Observe(stocksTree, row)
	}

	require.NoError(t, f.monitor.CheckDrift(context.Background()))
	assert.Empty(t, f.storedAlerts(t))
}

func TestCheckDrift_StableInputsRaiseNothing(t *testing.T) {
	f := newFixture(t, stocksTree)
	for _, row := range normalRows(3, 400, 0) {
		f.collector.Observe(stocksTree, row)
	}

	require.NoError(t, f.monitor.CheckDrift(context.Background()))
	assert.Empty(t, f.storedAlerts(t))
	assert.Equal(t, int32(0), f.trainer.calls.Load())
}

func TestCheckDrift_SevereDriftAlertsAndRetrains(t *testing.T) {
	f := newFixture(t, stocksTree)
	f.notifier.err = errors.New("webhook down")
	for _, row := range normalRows(4, 200, 3) {
		f.collector.Observe(stocksTree, row)
	}

	require.NoError(t, f.monitor.CheckDrift(context.Background()))
	f.monitor.deps.Retrainer.Wait()

	alerts := f.storedAlerts(t)
	got := kinds(alerts)
	assert.Equal(t, LevelCritical, got[KindDrift])
	assert.Equal(t, LevelInfo, got[KindRetrain])
	for _, a := range alerts {
		assert.False(t, a.Delivered, "failed deliveries stay undelivered")
	}

	assert.Equal(t, int32(1), f.trainer.calls.Load())
	assert.Equal(t, 0, f.collector.Len(stocksTree), "promoted model starts a fresh live window")
	assert.Equal(t, int64(2), f.recorder.Totals().Alerts)
}

func TestCheckDrift_NoRetrainWhenDisabled(t *testing.T) {
	f := newFixture(t, stocksTree)
	f.monitor.policy.AutoRetrain = false
	for _, row := range normalRows(5, 200, 3) {
		f.collector.Observe(stocksTree, row)
	}

	require.NoError(t, f.monitor.CheckDrift(context.Background()))
	f.monitor.deps.Retrainer.Wait()

	got := kinds(f.storedAlerts(t))
	assert.Contains(t, got, KindDrift)
	assert.NotContains(t, got, KindRetrain)
	assert.Equal(t, int32(0), f.trainer.calls.Load())
}

func TestCheckDrift_AccuracyDrop(t *testing.T) {
	f := newFixture(t, stocksTree)
	f.monitor.deps.Accuracy = fakeAccuracy{accuracy: 0.4, samples: 30}

	require.NoError(t, f.monitor.CheckDrift(context.Background()))

	alerts := f.storedAlerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, KindAccuracy, alerts[0].Kind)
	assert.InDelta(t, 0.2, alerts[0].Value, 1e-9)
	assert.True(t, alerts[0].Delivered)
}

func TestCheckHealth_ProbeFailureAndLatency(t *testing.T) {
	f := newFixture(t, stocksTree, cryptoTree)
	f.models.probeErr[cryptoTree] = errors.New("no sample inputs")
	f.models.latencies[stocksTree] = []time.Duration{time.Millisecond, 10 * time.Millisecond}

	ctx := context.Background()
	require.NoError(t, f.monitor.CheckHealth(ctx))
	got := kinds(f.storedAlerts(t))
	assert.Equal(t, LevelCritical, got[KindProbe])
	assert.NotContains(t, got, KindLatency)

	require.NoError(t, f.monitor.CheckHealth(ctx))
	got = kinds(f.storedAlerts(t))
	assert.Equal(t, LevelWarning, got[KindLatency])
}

func TestCheckHealth_ErrorRate(t *testing.T) {
	f := newFixture(t, stocksTree)
	for i := 0; i < 10; i++ {
		var err error
		if i < 3 {
			err = errors.New("bad input")
		}
		f.recorder.RecordPrediction(stocksTree, time.Millisecond, err)
	}

	require.NoError(t, f.monitor.CheckHealth(context.Background()))
	alerts := f.storedAlerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, KindErrorRate, alerts[0].Kind)
	assert.InDelta(t, 0.3, alerts[0].Value, 1e-9)
}

func TestGenerateReport_WritesFileAndAdvancesBaseline(t *testing.T) {
	f := newFixture(t, stocksTree)
	day := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	f.monitor.now = func() time.Time { return day }
	for i := 0; i < 4; i++ {
		f.recorder.RecordPrediction(stocksTree, 2*time.Millisecond, nil)
	}
	f.recorder.RecordCache(true)
	f.recorder.RecordCache(false)

	ctx := context.Background()
	report, err := f.monitor.GenerateReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", report.Date)
	assert.Equal(t, 1, report.ModelsMonitored)
	assert.Equal(t, int64(4), report.TotalPredictions)
	assert.InDelta(t, 2.0, report.AverageLatencyMs, 1e-9)
	assert.InDelta(t, 0.5, report.CacheHitRate, 1e-9)
	assert.Equal(t, []string{"All models within thresholds"}, report.Recommendations)

	raw, err := os.ReadFile(filepath.Join(f.dir, "model_report_20240305.json"))
	require.NoError(t, err)
	var onDisk Report
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, report.TotalPredictions, onDisk.TotalPredictions)

	next, err := f.monitor.GenerateReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next.TotalPredictions)

	stored, err := f.monitor.Reports(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestGenerateReport_FailedWriteKeepsBaseline(t *testing.T) {
	f := newFixture(t, stocksTree)
	db := testutil.NewTestDB(t, "augur").Conn()
	blocked := filepath.Join(t.TempDir(), "reports")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0644))
	good := f.monitor.deps.Reports
	f.monitor.deps.Reports = NewReportStore(blocked, db, quietLog())

	for i := 0; i < 3; i++ {
		f.recorder.RecordPrediction(stocksTree, time.Millisecond, nil)
	}

	ctx := context.Background()
	_, err := f.monitor.GenerateReport(ctx)
	require.Error(t, err)

	f.monitor.deps.Reports = good
	report, err := f.monitor.GenerateReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.TotalPredictions)
}

func TestGenerateReport_Recommendations(t *testing.T) {
	f := newFixture(t)
	report, err := f.monitor.GenerateReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ModelsMonitored)
	assert.Contains(t, report.Recommendations[0], "No models are serving")
}

func TestRetrainer_SingleFlightPerAsset(t *testing.T) {
	trainer := &fakeTrainer{release: make(chan struct{}), key: stocksTree}
	r := NewRetrainer(trainer, time.Minute, quietLog())

	var promoted []domain.ModelKey
	var mu sync.Mutex
	r.OnPromoted(func(k domain.ModelKey) {
		mu.Lock()
		promoted = append(promoted, k)
		mu.Unlock()
	})

	assert.True(t, r.Trigger(domain.AssetStocks))
	assert.False(t, r.Trigger(domain.AssetStocks))
	assert.True(t, r.Running(domain.AssetStocks))

	close(trainer.release)
	r.Wait()

	assert.Equal(t, int32(1), trainer.calls.Load())
	assert.False(t, r.Running(domain.AssetStocks))
	assert.Equal(t, []domain.ModelKey{stocksTree}, promoted)
}

func TestAlertStore_Lifecycle(t *testing.T) {
	store := NewAlertStore(testutil.NewMemoryDB(t, "augur"), quietLog())
	ctx := context.Background()

	a := Alert{ID: "a1", Level: LevelWarning, Kind: KindDrift, ModelKey: string(stocksTree),
		Message: "drift", Value: 0.25, Threshold: 0.2, Timestamp: time.Unix(100, 0)}
	b := Alert{ID: "a2", Level: LevelCritical, Kind: KindProbe, Message: "probe", Timestamp: time.Unix(200, 0)}
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))
	require.NoError(t, store.MarkDelivered(ctx, "a1"))

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a2", list[0].ID)
	assert.False(t, list[0].Delivered)
	assert.Equal(t, "a1", list[1].ID)
	assert.True(t, list[1].Delivered)
	assert.Equal(t, LevelWarning, list[1].Level)
	assert.InDelta(t, 0.25, list[1].Value, 1e-9)
}

func TestWebhookNotifier(t *testing.T) {
	var received Alert
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	alert := Alert{ID: "x", Kind: KindDrift, Level: LevelWarning, Message: "drift"}
	require.NoError(t, NewWebhookNotifier(ok.URL, time.Second).Notify(context.Background(), alert))
	assert.Equal(t, "x", received.ID)

	assert.Error(t, NewWebhookNotifier(failing.URL, time.Second).Notify(context.Background(), alert))
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaNotifier_KeysByModel(t *testing.T) {
	w := &recordingWriter{}
	n := NewKafkaNotifierWithWriter(w)

	require.NoError(t, n.Notify(context.Background(), Alert{ID: "k", ModelKey: string(stocksTree), Kind: KindDrift}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, string(stocksTree), string(w.msgs[0].Key))

	var decoded Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "k", decoded.ID)
}

func TestMultiNotifier_DeliversToAll(t *testing.T) {
	first := &captureNotifier{err: errors.New("down")}
	second := &captureNotifier{}
	err := MultiNotifier{first, second}.Notify(context.Background(), Alert{ID: "m"})

	assert.Error(t, err)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}
