package dataset

import (
	"errors"
	"math"
	"testing"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/features"
	testutil "github.com/aristath/augur/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildExamples(t *testing.T, symbols map[string]int) *Examples {
	t.Helper()
	var bars []domain.Bar
	seed := int64(1)
	for symbol, n := range symbols {
		bars = append(bars, testutil.SyntheticBars(symbol, n, testutil.SeriesOptions{Seed: seed})...)
		seed++
	}
	engine, err := features.NewEngine(features.Config{
		Technical: true,
		Lag:       features.LagConfig{Columns: []string{"close"}, Lags: []int{1}},
	})
	require.NoError(t, err)
	table, err := engine.Compute(bars)
	require.NoError(t, err)

	ex, err := AttachTargets(table, engine.Columns(), 1)
	require.NoError(t, err)
	return ex
}

func TestAttachTargets(t *testing.T) {
	bars := testutil.LinearBars("AAA", 10, 100, 1)
	engine, err := features.NewEngine(features.Config{})
	require.NoError(t, err)
	table, err := engine.Compute(bars)
	require.NoError(t, err)

	ex, err := AttachTargets(table, []string{"close", "volume"}, 2)
	require.NoError(t, err)

	// Last two rows have no bar two steps ahead
	require.Equal(t, 8, ex.Len())
	assert.InDelta(t, 102.0/100.0-1, ex.Items[0].Target, 1e-12)
	assert.Equal(t, bars[2].Timestamp, ex.Items[0].TargetTime)
	assert.Equal(t, bars[7].Timestamp, ex.Items[7].Timestamp)

	_, err = AttachTargets(table, []string{"close"}, 0)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestAttachTargets_DropsWarmupRows(t *testing.T) {
	ex := buildExamples(t, map[string]int{"AAA": 100})
	for _, it := range ex.Items {
		for _, v := range it.Features {
			require.False(t, math.IsNaN(v))
		}
	}
	// MACD signal is the longest warm-up: first complete row is index 33
	assert.Equal(t, testutil.FixtureStart.AddDate(0, 0, 33), ex.Items[0].Timestamp)
	// 100 rows - 33 warm-up - 1 without target
	assert.Equal(t, 66, ex.Len())
}

func TestTimeSplit_TestNeverPrecedesTrain(t *testing.T) {
	ex := buildExamples(t, map[string]int{"AAA": 120, "BBB": 150, "CCC": 90})

	train, test, err := TimeSplit(ex, 0.2)
	require.NoError(t, err)
	require.NotZero(t, train.Len())
	require.NotZero(t, test.Len())

	trainBySymbol := train.BySymbol()
	for symbol, tst := range test.BySymbol() {
		tr, ok := trainBySymbol[symbol]
		if !ok {
			continue
		}
		latestTrain := tr.Items[tr.Len()-1].Timestamp
		for _, it := range tst.Items {
			assert.False(t, it.Timestamp.Before(latestTrain), "symbol %s", symbol)
		}
		for _, it := range tr.Items {
			assert.True(t, it.TargetTime.Before(tst.Items[0].Timestamp) || it.TargetTime.Equal(tst.Items[0].Timestamp))
		}
	}
}

func TestTimeSplit_Invalid(t *testing.T) {
	ex := buildExamples(t, map[string]int{"AAA": 60})
	for _, f := range []float64{0, 1, -0.5} {
		_, _, err := TimeSplit(ex, f)
		assert.Error(t, err)
	}
}

func TestTimeSeriesFolds(t *testing.T) {
	ex := buildExamples(t, map[string]int{"AAA": 150, "BBB": 150})

	folds, err := TimeSeriesFolds(ex, 5)
	require.NoError(t, err)
	require.Len(t, folds, 5)

	for i, f := range folds {
		require.NotEmpty(t, f.Train, "fold %d", i)
		require.NotEmpty(t, f.Test, "fold %d", i)

		maxTrain := ex.Items[f.Train[0]].Timestamp
		for _, k := range f.Train {
			if ex.Items[k].Timestamp.After(maxTrain) {
				maxTrain = ex.Items[k].Timestamp
			}
		}
		for _, k := range f.Test {
			assert.True(t, ex.Items[k].Timestamp.After(maxTrain), "fold %d leaks", i)
		}

		// Training sets grow fold over fold
		if i > 0 {
			assert.Greater(t, len(f.Train), len(folds[i-1].Train))
		}
	}

	_, err = TimeSeriesFolds(ex, 1)
	assert.Error(t, err)

	small := ex.Subset([]int{0, 1, 2})
	_, err = TimeSeriesFolds(small, 5)
	assert.Error(t, err)
}

func TestWindows(t *testing.T) {
	matrix := [][]float64{{1}, {2}, {3}, {4}, {5}}
	targets := []float64{10, 20, 30, 40, 50}

	windows, aligned, err := Windows(matrix, targets, 3)
	require.NoError(t, err)
	require.Len(t, windows, 3)
	assert.Equal(t, [][]float64{{1}, {2}, {3}}, windows[0])
	assert.Equal(t, [][]float64{{3}, {4}, {5}}, windows[2])
	assert.Equal(t, []float64{30, 40, 50}, aligned)

	_, _, err = Windows(matrix[:2], targets[:2], 3)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSymbolWindows(t *testing.T) {
	ex := buildExamples(t, map[string]int{"AAA": 80, "BBB": 90})
	set, err := SymbolWindows(ex, 10)
	require.NoError(t, err)

	groups := ex.BySymbol()
	expected := groups["AAA"].Len() - 9 + groups["BBB"].Len() - 9
	assert.Equal(t, expected, set.Len())

	train, val := set.SplitByTime(0.2)
	assert.Equal(t, set.Len(), train.Len()+val.Len())
	assert.InDelta(t, float64(set.Len())*0.2, float64(val.Len()), 1)
	for _, ts := range val.Timestamps {
		assert.False(t, ts.Before(train.Timestamps[train.Len()-1]))
	}

	_, err = SymbolWindows(ex, 1000)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestScaler(t *testing.T) {
	train := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s := FitScaler(train)

	assert.Equal(t, []float64{3, 5}, s.Mean)
	assert.InDelta(t, 2.0, s.Std[0], 1e-12)
	assert.Equal(t, 1.0, s.Std[1])

	out := s.Transform([]float64{5, math.NaN()})
	assert.InDelta(t, 1.0, out[0], 1e-12)
	assert.Equal(t, 0.0, out[1])
}
