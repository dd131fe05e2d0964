package features

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/aristath/augur/internal/domain"
	testutil "github.com/aristath/augur/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		Technical: true,
		Time:      true,
		Lag:       LagConfig{Columns: []string{"close", "returns"}, Lags: []int{1, 3}},
		Rolling:   RollingConfig{Columns: []string{"close"}, Windows: []int{5, 10}},
	}
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestCompute_SMA7Scenario(t *testing.T) {
	bars := testutil.SyntheticBars("AAPL", 100, testutil.SeriesOptions{Seed: 7})
	table, err := newEngine(t, defaultConfig()).Compute(bars)
	require.NoError(t, err)
	require.Len(t, table.Rows, 100)

	sma := table.Column("sma_7")
	for i := 0; i < 6; i++ {
		assert.True(t, math.IsNaN(sma[i]), "row %d should be undefined", i+1)
	}
	for i := 6; i < 100; i++ {
		sum := 0.0
		for j := i - 6; j <= i; j++ {
			sum += bars[j].Close
		}
		assert.InDelta(t, sum/7, sma[i], 1e-9, "row %d", i+1)
	}
}

func TestCompute_WindowWarmup(t *testing.T) {
	bars := testutil.SyntheticBars("MSFT", 60, testutil.SeriesOptions{Seed: 3})
	table, err := newEngine(t, defaultConfig()).Compute(bars)
	require.NoError(t, err)

	for _, w := range []int{5, 10} {
		for _, stat := range rollingStatNames {
			col := table.Column(RollingColumn("close", stat, w))
			for i := range col {
				if i < w-1 {
					assert.True(t, math.IsNaN(col[i]), "%s_%d row %d", stat, w, i)
				} else {
					assert.False(t, math.IsNaN(col[i]), "%s_%d row %d", stat, w, i)
				}
			}
		}
	}

	for _, lag := range []int{1, 3} {
		col := table.Column(LagColumn("close", lag))
		for i := range col {
			if i < lag {
				assert.True(t, math.IsNaN(col[i]))
			} else {
				assert.Equal(t, bars[i-lag].Close, col[i])
			}
		}
	}

	// returns is undefined on row 0, so its lag inherits one more undefined row
	retLag := table.Column(LagColumn("returns", 1))
	assert.True(t, math.IsNaN(retLag[1]))
	assert.False(t, math.IsNaN(retLag[2]))
}

func TestCompute_OrderInvariantAndIdempotent(t *testing.T) {
	bars := append(
		testutil.SyntheticBars("AAPL", 80, testutil.SeriesOptions{Seed: 1}),
		testutil.SyntheticBars("BTC", 80, testutil.SeriesOptions{Seed: 2, Volatility: 0.04})...,
	)
	engine := newEngine(t, defaultConfig())

	sorted, err := engine.Compute(bars)
	require.NoError(t, err)

	again, err := engine.Compute(bars)
	require.NoError(t, err)
	assertTablesEqual(t, sorted, again)

	shuffled := append([]domain.Bar(nil), bars...)
	rand.New(rand.NewSource(99)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	fromShuffled, err := engine.Compute(shuffled)
	require.NoError(t, err)
	assertTablesEqual(t, sorted, fromShuffled)

	// Input slice is not reordered
	assert.Equal(t, "AAPL", bars[0].Symbol)
}

func TestCompute_PartitionsBySymbol(t *testing.T) {
	a := testutil.LinearBars("AAA", 10, 100, 1)
	b := testutil.LinearBars("BBB", 10, 500, 10)

	// Interleave the two symbols
	var mixed []domain.Bar
	for i := range a {
		mixed = append(mixed, b[i], a[i])
	}

	table, err := newEngine(t, Config{Rolling: RollingConfig{Columns: []string{"close"}, Windows: []int{3}}}).Compute(mixed)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, table.Symbols())

	aaa := table.Slice("AAA").Column(RollingColumn("close", "mean", 3))
	bbb := table.Slice("BBB").Column(RollingColumn("close", "mean", 3))
	assert.InDelta(t, 101.0, aaa[2], 1e-12)
	assert.InDelta(t, 510.0, bbb[2], 1e-12)

	last, ok := table.Last("BBB")
	require.True(t, ok)
	assert.Equal(t, 590.0, last["close"])
	assert.InDelta(t, 580.0, last[RollingColumn("close", "mean", 3)], 1e-12)

	_, ok = table.Last("CCC")
	assert.False(t, ok)
}

func TestCompute_TimeFeatures(t *testing.T) {
	// 2024-01-06 is a Saturday
	bars := []domain.Bar{
		{Symbol: "X", Timestamp: time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC), Close: 1},
		{Symbol: "X", Timestamp: time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC), Close: 1},
		{Symbol: "X", Timestamp: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), Close: 1},
	}
	table, err := newEngine(t, Config{Time: true}).Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, []float64{14, 9, 0}, table.Column("hour"))
	assert.Equal(t, []float64{4, 5, 0}, table.Column("day_of_week"))
	assert.Equal(t, []float64{5, 6, 8}, table.Column("day_of_month"))
	assert.Equal(t, []float64{1, 1, 1}, table.Column("month"))
	assert.Equal(t, []float64{0, 1, 0}, table.Column("is_weekend"))
}

func TestCompute_Errors(t *testing.T) {
	ts := testutil.FixtureStart
	_, err := newEngine(t, defaultConfig()).Compute([]domain.Bar{
		{Symbol: "X", Timestamp: ts, Close: 1},
		{Symbol: "X", Timestamp: ts, Close: 2},
	})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero window", cfg: Config{Rolling: RollingConfig{Columns: []string{"close"}, Windows: []int{0}}}},
		{name: "negative lag", cfg: Config{Lag: LagConfig{Columns: []string{"close"}, Lags: []int{-1}}}},
		{name: "unknown column", cfg: Config{Lag: LagConfig{Columns: []string{"vwap"}, Lags: []int{1}}}},
		{name: "technical column without technical group", cfg: Config{Lag: LagConfig{Columns: []string{"returns"}, Lags: []int{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			require.True(t, errors.As(err, &verr))
		})
	}
}

func TestCompute_Empty(t *testing.T) {
	table, err := newEngine(t, defaultConfig()).Compute(nil)
	require.NoError(t, err)
	assert.Empty(t, table.Rows)
	assert.Equal(t, defaultConfig().Columns(), table.Columns)
}

func TestMinHistory_CoversWarmup(t *testing.T) {
	cfg := defaultConfig()
	bars := testutil.SyntheticBars("AAPL", cfg.MinHistory(), testutil.SeriesOptions{Seed: 11})
	table, err := newEngine(t, cfg).Compute(bars)
	require.NoError(t, err)

	last := table.Rows[len(table.Rows)-1]
	for j, v := range last.Values {
		assert.False(t, math.IsNaN(v), "column %s undefined", table.Columns[j])
	}
}

func assertTablesEqual(t *testing.T, expected, actual *Table) {
	t.Helper()
	require.Equal(t, expected.Columns, actual.Columns)
	require.Len(t, actual.Rows, len(expected.Rows))
	for i := range expected.Rows {
		e, a := expected.Rows[i], actual.Rows[i]
		require.Equal(t, e.Symbol, a.Symbol)
		require.True(t, e.Timestamp.Equal(a.Timestamp))
		for j := range e.Values {
			if math.IsNaN(e.Values[j]) {
				require.True(t, math.IsNaN(a.Values[j]))
			} else {
				require.Equal(t, e.Values[j], a.Values[j])
			}
		}
	}
}
