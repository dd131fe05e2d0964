package registry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/models"
)

var columns = []string{"close", "volume"}

type mapLoader struct {
	mu        sync.Mutex
	artifacts map[string]*artifacts.Artifact
}

func (l *mapLoader) Load(_ context.Context, name string) (*artifacts.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.artifacts[name]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "artifact", Name: name}
	}
	return a, nil
}

func (l *mapLoader) set(name string, a *artifacts.Artifact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts[name] = a
}

type countingRecorder struct {
	mu     sync.Mutex
	calls  int
	errors int
}

func (c *countingRecorder) RecordPrediction(_ domain.ModelKey, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err != nil {
		c.errors++
	}
}

// trainingMatrix is a deterministic two-column matrix where the target follows close
func trainingMatrix(n int) ([][]float64, []float64) {
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		c := float64(i%20) + 90
		x[i] = []float64{c, 1000 + float64(i%7)}
		y[i] = (c - 100) / 1000
	}
	return x, y
}

func treeArtifact(t *testing.T, asset domain.AssetClass, version string) *artifacts.Artifact {
	t.Helper()
	x, y := trainingMatrix(200)
	scaler := dataset.FitScaler(x)
	samples := make([]models.Sample, len(x))
	for i, row := range scaler.TransformMatrix(x) {
		samples[i] = models.Sample{Flat: row}
	}
	m := models.NewBoostedTrees(models.Params{NEstimators: 20, MinLeaf: 2})
	_, err := m.Fit(context.Background(), samples, y)
	require.NoError(t, err)
	payload, err := m.MarshalBinary()
	require.NoError(t, err)

	return &artifacts.Artifact{
		FormatVersion:  artifacts.FormatVersion,
		Key:            domain.NewModelKey(asset, domain.FamilyTree),
		AssetClass:     asset,
		Family:         domain.FamilyTree,
		Version:        version,
		Model:          payload,
		Spec:           artifacts.FeatureSpec{Columns: columns, Scaler: scaler, Horizon: 1},
		Reference:      drift.BuildReference(columns, x, 10),
		ValidationRMSE: 0.001,
		TargetStd:      0.006,
		SampleInputs:   []models.Sample{{Flat: x[0]}},
	}
}

func sequenceArtifact(t *testing.T, asset domain.AssetClass) *artifacts.Artifact {
	t.Helper()
	x, y := trainingMatrix(120)
	scaler := dataset.FitScaler(x)
	windows, targets, err := dataset.Windows(scaler.TransformMatrix(x), y, 4)
	require.NoError(t, err)
	samples := make([]models.Sample, len(windows))
	for i, w := range windows {
		samples[i] = models.Sample{Seq: w}
	}
	m := models.NewRecurrent(models.Params{Hidden: 4, Epochs: 2, BatchSize: 16, Seed: 1})
	_, err = m.Fit(context.Background(), samples, targets)
	require.NoError(t, err)
	payload, err := m.MarshalBinary()
	require.NoError(t, err)

	return &artifacts.Artifact{
		FormatVersion:  artifacts.FormatVersion,
		Key:            domain.NewModelKey(asset, domain.FamilySequence),
		AssetClass:     asset,
		Family:         domain.FamilySequence,
		Version:        "seq-1",
		Model:          payload,
		Spec:           artifacts.FeatureSpec{Columns: columns, Scaler: scaler, Horizon: 1, SequenceLength: 4},
		Reference:      drift.BuildReference(columns, x, 10),
		ValidationRMSE: 0.002,
		TargetStd:      0.006,
		SampleInputs:   []models.Sample{{Seq: x[:4]}},
	}
}

func newRegistry(t *testing.T, arts ...*artifacts.Artifact) (*Registry, *mapLoader) {
	t.Helper()
	loader := &mapLoader{artifacts: make(map[string]*artifacts.Artifact)}
	for _, a := range arts {
		loader.set(string(a.Key), a)
	}
	r := New(loader, domain.AllModelKeys(), zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, r.LoadAll(context.Background()))
	return r, loader
}

func row(close, volume float64) map[string]float64 {
	return map[string]float64{"close": close, "volume": volume}
}

func TestHealthCheck_NoModels(t *testing.T) {
	r := New(&mapLoader{artifacts: map[string]*artifacts.Artifact{}}, domain.AllModelKeys(), zerolog.Nop())

	h := r.HealthCheck()
	assert.Equal(t, "no_models", h.Status)
	assert.Equal(t, 0, h.ModelsLoaded)
	require.Len(t, h.Slots, 6)
	for _, s := range h.Slots {
		assert.Equal(t, StateUnloaded, s.State)
	}
}

func TestLoadAll_IsolatesFailures(t *testing.T) {
	broken := treeArtifact(t, domain.AssetCrypto, "bad")
	broken.Model = []byte{0xc1}
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"), broken)

	h := r.HealthCheck()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 1, h.ModelsLoaded)
	assert.Equal(t, []domain.ModelKey{"stocks_xgb"}, r.Serving())

	states := map[domain.ModelKey]SlotStatus{}
	for _, s := range h.Slots {
		states[s.Key] = s
	}
	assert.Equal(t, StateServing, states["stocks_xgb"].State)
	assert.Equal(t, "v1", states["stocks_xgb"].Version)
	assert.NotNil(t, states["stocks_xgb"].LoadedAt)
	assert.Equal(t, StateLoadFailed, states["crypto_xgb"].State)
	assert.NotEmpty(t, states["crypto_xgb"].Error)
	assert.Equal(t, StateLoadFailed, states["etfs_lstm"].State)
}

func TestHealthCheck_AllServing(t *testing.T) {
	var arts []*artifacts.Artifact
	for _, a := range domain.AllAssetClasses {
		arts = append(arts, treeArtifact(t, a, "v1"), sequenceArtifact(t, a))
	}
	r, _ := newRegistry(t, arts...)
	assert.Equal(t, "healthy", r.HealthCheck().Status)
}

func TestPredict(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	rec := &countingRecorder{}
	r.SetRecorder(rec)
	var observed [][]float64
	r.AddObserver(func(key domain.ModelKey, input []float64) {
		assert.Equal(t, domain.ModelKey("stocks_xgb"), key)
		observed = append(observed, input)
	})

	req := Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{row(105, 1003)}}
	res, err := r.Predict(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ModelKey("stocks_xgb"), res.ModelKey)
	assert.Equal(t, "v1", res.Version)
	assert.InDelta(t, 0.005, res.Value, 0.003)
	assert.GreaterOrEqual(t, res.Confidence, 0.01)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	// 0.006 / (0.006 + 0.001) with every feature in range
	assert.InDelta(t, 6.0/7.0, res.Confidence, 1e-9)

	again, err := r.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	assert.Equal(t, [][]float64{{105, 1003}, {105, 1003}}, observed)
	assert.Equal(t, 2, rec.calls)
}

func TestPredict_ModelNotFound(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	rec := &countingRecorder{}
	r.SetRecorder(rec)

	_, err := r.Predict(context.Background(), Request{AssetClass: domain.AssetCrypto, Family: domain.FamilyTree, Rows: []map[string]float64{row(1, 1)}})
	var nf *domain.ModelNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "crypto_xgb", nf.Key)
	assert.Equal(t, 1, rec.errors)
}

func TestPredict_Validation(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"), sequenceArtifact(t, domain.AssetStocks))
	ctx := context.Background()
	var verr *domain.ValidationError

	_, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree})
	assert.ErrorAs(t, err, &verr)

	// A single row is not broadcast into a window
	_, err = r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilySequence, Rows: []map[string]float64{row(100, 1000)}})
	assert.ErrorAs(t, err, &verr)

	rows := []map[string]float64{row(91, 1001), row(92, 1002), row(93, 1003), row(94, 1004), row(95, 1005)}
	res, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilySequence, Rows: rows})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(res.Value))
	assert.Equal(t, domain.ModelKey("stocks_lstm"), res.ModelKey)
}

func TestPredict_MissingFeaturesRejected(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"), sequenceArtifact(t, domain.AssetStocks))
	ctx := context.Background()

	tests := []struct {
		name    string
		family  domain.ModelFamily
		rows    []map[string]float64
		missing string
	}{
		{"none of the columns", domain.FamilyTree, []map[string]float64{{"rsi": 55}}, "missing features: close, volume"},
		{"one column", domain.FamilyTree, []map[string]float64{{"close": 100}}, "missing features: volume"},
		{"gap inside a window", domain.FamilySequence, []map[string]float64{
			row(91, 1001), row(92, 1002), {"volume": 1003}, row(94, 1004),
		}, "missing features: close"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: tt.family, Rows: tt.rows})
			assert.Nil(t, res)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "features", verr.Field)
			assert.Equal(t, tt.missing, verr.Message)
		})
	}

	// Extra keys are ignored
	withExtra := row(100, 1003)
	withExtra["rsi"] = 55
	_, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{withExtra}})
	require.NoError(t, err)

	_, err = r.Replay(ctx, "stocks_xgb", []map[string]float64{row(100, 1000), {"close": 101}})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConfidence_OutOfRangeLowersConfidence(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	ctx := context.Background()

	normal, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{row(100, 1003)}})
	require.NoError(t, err)
	extreme, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{row(1e6, 1003)}})
	require.NoError(t, err)

	assert.InDelta(t, normal.Confidence*0.75, extreme.Confidence, 1e-9)
}

func TestReload(t *testing.T) {
	r, loader := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	ctx := context.Background()

	loader.set("stocks_xgb", treeArtifact(t, domain.AssetStocks, "v2"))
	require.NoError(t, r.Reload(ctx, "stocks_xgb"))
	a, ok := r.Artifact("stocks_xgb")
	require.True(t, ok)
	assert.Equal(t, "v2", a.Version)

	// A broken replacement leaves the serving model in place
	broken := treeArtifact(t, domain.AssetStocks, "v3")
	broken.Model = []byte{0xc1}
	loader.set("stocks_xgb", broken)
	assert.Error(t, r.Reload(ctx, "stocks_xgb"))
	a, _ = r.Artifact("stocks_xgb")
	assert.Equal(t, "v2", a.Version)

	var verr *domain.ValidationError
	assert.ErrorAs(t, r.Reload(ctx, "garbage"), &verr)
}

func TestReload_ConcurrentPredictions(t *testing.T) {
	r, loader := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	ctx := context.Background()
	req := Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{row(100, 1000)}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := r.Predict(ctx, req)
				assert.NoError(t, err)
			}
		}()
	}
	loader.set("stocks_xgb", treeArtifact(t, domain.AssetStocks, "v2"))
	require.NoError(t, r.Reload(ctx, "stocks_xgb"))
	wg.Wait()
}

func TestProbeAndReference(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	ctx := context.Background()

	_, err := r.Probe(ctx, "stocks_xgb")
	assert.NoError(t, err)

	_, err = r.Probe(ctx, "etfs_xgb")
	var nf *domain.ModelNotFoundError
	assert.ErrorAs(t, err, &nf)

	ref, ok := r.Reference("stocks_xgb")
	require.True(t, ok)
	assert.Equal(t, columns, ref.Columns())
	_, ok = r.Reference("etfs_xgb")
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"))
	r.Shutdown()

	assert.Equal(t, "no_models", r.HealthCheck().Status)
	_, err := r.Predict(context.Background(), Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: []map[string]float64{row(1, 1)}})
	var nf *domain.ModelNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReplay_DoesNotRecordOrObserve(t *testing.T) {
	r, _ := newRegistry(t, treeArtifact(t, domain.AssetStocks, "v1"), sequenceArtifact(t, domain.AssetStocks))
	rec := &countingRecorder{}
	r.SetRecorder(rec)
	observed := 0
	r.AddObserver(func(domain.ModelKey, []float64) { observed++ })

	rows := []map[string]float64{row(91, 1001), row(92, 1002), row(93, 1003), row(94, 1004), row(95, 1005), row(96, 1006)}
	ctx := context.Background()

	tree, err := r.Replay(ctx, "stocks_xgb", rows)
	require.NoError(t, err)
	assert.Len(t, tree, 6)
	single, err := r.Predict(ctx, Request{AssetClass: domain.AssetStocks, Family: domain.FamilyTree, Rows: rows[5:]})
	require.NoError(t, err)
	assert.Equal(t, single.Value, tree[5])

	seq, err := r.Replay(ctx, "stocks_lstm", rows)
	require.NoError(t, err)
	assert.Len(t, seq, 3)
	w, ok := r.Window("stocks_lstm")
	assert.True(t, ok)
	assert.Equal(t, 4, w)

	short, err := r.Replay(ctx, "stocks_lstm", rows[:2])
	require.NoError(t, err)
	assert.Empty(t, short)

	_, err = r.Replay(ctx, "crypto_xgb", rows)
	var nf *domain.ModelNotFoundError
	assert.ErrorAs(t, err, &nf)

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, observed)
}
