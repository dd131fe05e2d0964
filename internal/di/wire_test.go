package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/prediction"
	testutil "github.com/aristath/augur/internal/testing"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DataDir:          dir,
		ModelsDir:        filepath.Join(dir, "models"),
		ReportsDir:       filepath.Join(dir, "reports"),
		Port:             8001,
		PredictTimeout:   time.Second,
		CacheTTL:         time.Minute,
		SentimentTimeout: time.Second,
		SentimentRPS:     5,
		Policy:           config.DefaultPolicy(),
	}
}

func TestWire(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	assert.NotNil(t, c.DB)
	assert.NotNil(t, c.Orchestrator)
	assert.NotNil(t, c.Prediction)
	assert.NotNil(t, c.Monitor)
	assert.Nil(t, c.Redis)

	h := c.Registry.HealthCheck()
	assert.Equal(t, "no_models", h.Status)
	assert.Len(t, h.Slots, len(domain.AllModelKeys()))

	tasks := c.Monitor.Tasks()
	assert.Len(t, tasks, 3)
}

func TestWire_PredictWithoutModels(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	_, err = c.Importer.Import(ctx, testutil.LinearBars("AAPL", 60, 100, 1), domain.AssetStocks)
	require.NoError(t, err)

	_, err = c.Prediction.Predict(ctx, prediction.Request{Symbol: "AAPL"})
	var mnf *domain.ModelNotFoundError
	assert.ErrorAs(t, err, &mnf)
}

func TestWire_InvalidFeaturePolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Features.LagColumns = []string{"not_a_column"}

	_, err := Wire(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestFeatureConfig(t *testing.T) {
	p := config.DefaultPolicy().Features
	fc := FeatureConfig(p)
	assert.Equal(t, p.Technical, fc.Technical)
	assert.Equal(t, p.Lags, fc.Lag.Lags)
	assert.Equal(t, p.RollingWindows, fc.Rolling.Windows)
}
