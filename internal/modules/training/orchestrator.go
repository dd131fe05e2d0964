package training

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/backtest"
)

// BarSource supplies stored market data.
type BarSource interface {
	Symbols(ctx context.Context, asset domain.AssetClass) ([]string, error)
	Range(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
}

// Reloader swaps a serving model after promotion.
type Reloader interface {
	Reload(ctx context.Context, key domain.ModelKey) error
}

// FamilyResult is the outcome for one model key.
type FamilyResult struct {
	Key     domain.ModelKey   `json:"key"`
	Status  RunStatus         `json:"status"`
	RunID   string            `json:"run_id,omitempty"`
	Version string            `json:"version,omitempty"`
	Metrics *backtest.Metrics `json:"metrics,omitempty"`
	Reasons []string          `json:"reasons,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Summary is the outcome of training one asset class.
type Summary struct {
	AssetClass domain.AssetClass `json:"asset_class"`
	Symbols    []string          `json:"symbols"`
	Skipped    string            `json:"skipped,omitempty"`
	Results    []FamilyResult    `json:"results,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Orchestrator trains every family per asset class and promotes the models that
// pass the gate.
type Orchestrator struct {
	source   BarSource
	pipeline *Pipeline
	runs     *RunStore
	gate     backtest.Gate
	families []domain.ModelFamily
	minBars  int

	mu       sync.RWMutex
	reloader Reloader

	log zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Symbols with fewer than minBars bars are
// left out of training.
func NewOrchestrator(source BarSource, pipeline *Pipeline, runs *RunStore, gate backtest.Gate, minBars int, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		source:   source,
		pipeline: pipeline,
		runs:     runs,
		gate:     gate,
		families: domain.AllModelFamilies,
		minBars:  minBars,
		log:      log.With().Str("component", "training_orchestrator").Logger(),
	}
}

// SetReloader sets the component notified after a promotion.
func (o *Orchestrator) SetReloader(r Reloader) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reloader = r
}

// SetFamilies restricts the families trained per asset class.
func (o *Orchestrator) SetFamilies(families []domain.ModelFamily) {
	o.families = families
}

// TrainAll trains every asset class that has data. It stops at the first
// asset class that fails outright and returns the summaries gathered so far.
func (o *Orchestrator) TrainAll(ctx context.Context) ([]Summary, error) {
	var out []Summary
	for _, asset := range domain.AllAssetClasses {
		summary, err := o.TrainAssetClass(ctx, asset)
		if err != nil {
			return out, err
		}
		out = append(out, *summary)
	}
	return out, nil
}

// TrainAssetClass trains, gates and promotes every family for one asset class.
// Per-family failures are recorded and do not stop the other families.
func (o *Orchestrator) TrainAssetClass(ctx context.Context, asset domain.AssetClass) (*Summary, error) {
	start := time.Now()
	summary := &Summary{AssetClass: asset}

	bars, symbols, err := o.loadBars(ctx, asset)
	if err != nil {
		return nil, err
	}
	summary.Symbols = symbols
	if len(symbols) == 0 {
		summary.Skipped = "no symbols with enough history"
		o.log.Info().Str("asset_class", string(asset)).Msg("Skipping asset class without data")
		return summary, nil
	}

	for _, family := range o.families {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Results = append(summary.Results, o.trainFamily(ctx, asset, family, bars))
	}

	summary.Duration = time.Since(start)
	o.log.Info().
		Str("asset_class", string(asset)).
		Int("symbols", len(symbols)).
		Dur("duration", summary.Duration).
		Msg("Asset class training complete")
	return summary, nil
}

func (o *Orchestrator) loadBars(ctx context.Context, asset domain.AssetClass) ([]domain.Bar, []string, error) {
	candidates, err := o.source.Symbols(ctx, asset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s symbols: %w", asset, err)
	}
	var (
		bars    []domain.Bar
		symbols []string
	)
	for _, symbol := range candidates {
		series, err := o.source.Range(ctx, symbol, time.Time{}, time.Time{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
		}
		if len(series) < o.minBars {
			o.log.Debug().Str("symbol", symbol).Int("bars", len(series)).Msg("Not enough history, skipping symbol")
			continue
		}
		bars = append(bars, series...)
		symbols = append(symbols, symbol)
	}
	return bars, symbols, nil
}

func (o *Orchestrator) trainFamily(ctx context.Context, asset domain.AssetClass, family domain.ModelFamily, bars []domain.Bar) FamilyResult {
	key := domain.NewModelKey(asset, family)
	log := o.log.With().Str("model_key", string(key)).Logger()
	result := FamilyResult{Key: key}
	run := &Run{Name: string(key), AssetClass: asset, Family: family}

	outcome, err := o.pipeline.Train(ctx, asset, family, bars)
	if err != nil {
		log.Error().Err(err).Msg("Training failed")
		run.Status = RunFailed
		result.Error = err.Error()
		o.record(ctx, run, &result)
		return result
	}

	metrics := outcome.Backtest.Metrics
	run.Params = outcome.Trained.Params
	run.CVScore = outcome.Trained.CVScore
	run.Backtest = &metrics
	run.Epochs = outcome.Trained.Epochs
	result.Metrics = &metrics
	result.Version = outcome.Artifact.Version

	passed, reasons := o.gate.Check(metrics)
	result.Reasons = reasons
	if !passed {
		log.Warn().Strs("reasons", reasons).Msg("Candidate rejected by backtest gate")
		run.Status = RunRejected
		o.record(ctx, run, &result)
		return result
	}

	art, err := o.pipeline.Save(ctx, string(key))
	if err != nil {
		log.Error().Err(err).Msg("Failed to save promoted artifact")
		run.Status = RunFailed
		result.Error = err.Error()
		o.record(ctx, run, &result)
		return result
	}
	run.Status = RunPromoted
	run.ArtifactRef = fmt.Sprintf("%s@%s", key, art.Version)
	o.record(ctx, run, &result)

	o.mu.RLock()
	reloader := o.reloader
	o.mu.RUnlock()
	if reloader != nil {
		if err := reloader.Reload(ctx, key); err != nil {
			log.Error().Err(err).Msg("Promoted model failed to load")
		}
	}

	log.Info().
		Str("version", art.Version).
		Float64("rmse", metrics.RMSE).
		Float64("directional_accuracy", metrics.DirectionalAccuracy).
		Msg("Model promoted")
	return result
}

// record appends the run. History is best effort; a failed write is logged.
func (o *Orchestrator) record(ctx context.Context, run *Run, result *FamilyResult) {
	result.Status = run.Status
	if o.runs == nil {
		return
	}
	if err := o.runs.Append(ctx, run); err != nil {
		o.log.Error().Err(err).Str("name", run.Name).Msg("Failed to record training run")
		return
	}
	result.RunID = run.ID
}

