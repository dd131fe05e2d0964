// Package training fits model families on feature datasets, records every run and
// promotes models that pass the backtest gate.
package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/models"
)

// Trained is a fitted model with the transform and diagnostics of its fit.
type Trained struct {
	Family         domain.ModelFamily
	Model          models.Regressor
	Params         models.Params
	Scaler         *dataset.Scaler
	CVScore        float64 // Best mean fold MSE for trees, best validation MSE for sequences
	ValidationRMSE float64
	Epochs         []models.EpochLoss
	Grid           []CVResult
	SequenceLength int
}

// Trainer runs the per-family training procedures.
type Trainer struct {
	policy config.TrainingPolicy
	log    zerolog.Logger
}

// NewTrainer creates a trainer.
func NewTrainer(policy config.TrainingPolicy, log zerolog.Logger) *Trainer {
	return &Trainer{policy: policy, log: log.With().Str("component", "trainer").Logger()}
}

// Policy returns the training policy.
func (t *Trainer) Policy() config.TrainingPolicy {
	return t.policy
}

// Train dispatches to the procedure of family.
func (t *Trainer) Train(ctx context.Context, family domain.ModelFamily, train *dataset.Examples) (*Trained, error) {
	switch family {
	case domain.FamilyTree:
		return t.TrainTree(ctx, train)
	case domain.FamilySequence:
		return t.TrainSequence(ctx, train)
	}
	return nil, domain.NewValidationError("family", fmt.Sprintf("unsupported model family %q", family))
}

// TrainTree grid-searches the tree ensemble with forward-chaining folds and refits
// the winner on all training rows.
func (t *Trainer) TrainTree(ctx context.Context, train *dataset.Examples) (*Trained, error) {
	start := time.Now()
	folds, err := dataset.TimeSeriesFolds(train, t.policy.CVFolds)
	if err != nil {
		return nil, err
	}
	grid := ExpandGrid(t.policy.Grid, t.policy.Seed)

	best, results, err := gridSearch(ctx, train, folds, grid, t.policy.Workers, t.log)
	if err != nil {
		return nil, fmt.Errorf("grid search failed: %w", err)
	}

	scaler := dataset.FitScaler(train.Matrix())
	model := models.NewBoostedTrees(best.Params)
	if _, err := model.Fit(ctx, flatSamples(scaler.TransformMatrix(train.Matrix())), train.Targets()); err != nil {
		return nil, fmt.Errorf("failed to refit best grid point: %w", err)
	}

	t.log.Info().
		Int("grid_points", len(grid)).
		Int("folds", len(folds)).
		Interface("params", best.Params).
		Float64("cv_mse", best.MSE).
		Dur("duration", time.Since(start)).
		Msg("Tree ensemble trained")

	return &Trained{
		Family:         domain.FamilyTree,
		Model:          model,
		Params:         model.Params,
		Scaler:         scaler,
		CVScore:        best.MSE,
		ValidationRMSE: math.Sqrt(best.MSE),
		Grid:           results,
	}, nil
}

// TrainSequence fits the recurrent model on per-symbol windows ordered by time.
// The chronologically last ValidationSplit share is held out for early model selection.
func (t *Trainer) TrainSequence(ctx context.Context, train *dataset.Examples) (*Trained, error) {
	start := time.Now()
	scaler := dataset.FitScaler(train.Matrix())
	set, err := dataset.SymbolWindows(scaled(train, scaler), t.policy.SequenceLength)
	if err != nil {
		return nil, err
	}
	set = set.Ordered()

	p := models.Params{
		Hidden:          t.policy.HiddenSize,
		Epochs:          t.policy.Epochs,
		BatchSize:       t.policy.BatchSize,
		ValidationSplit: t.policy.ValidationSplit,
		LearningRate:    t.policy.SequenceLR,
		Seed:            t.policy.Seed,
	}
	model := models.NewRecurrent(p)
	report, err := model.Fit(ctx, seqSamples(set.Windows), set.Targets)
	if err != nil {
		return nil, fmt.Errorf("failed to fit sequence model: %w", err)
	}

	t.log.Info().
		Int("windows", set.Len()).
		Int("epochs", len(report.Epochs)).
		Float64("validation_mse", report.ValidationMSE).
		Dur("duration", time.Since(start)).
		Msg("Sequence model trained")

	return &Trained{
		Family:         domain.FamilySequence,
		Model:          model,
		Params:         model.Params,
		Scaler:         scaler,
		CVScore:        report.ValidationMSE,
		ValidationRMSE: math.Sqrt(report.ValidationMSE),
		Epochs:         report.Epochs,
		SequenceLength: t.policy.SequenceLength,
	}, nil
}

// scaled returns a copy of ex with every feature row transformed.
func scaled(ex *dataset.Examples, s *dataset.Scaler) *dataset.Examples {
	out := &dataset.Examples{Columns: ex.Columns, Items: make([]dataset.Example, len(ex.Items))}
	for i, it := range ex.Items {
		it.Features = s.Transform(it.Features)
		out.Items[i] = it
	}
	return out
}

func seqSamples(windows [][][]float64) []models.Sample {
	out := make([]models.Sample, len(windows))
	for i, w := range windows {
		out[i] = models.Sample{Seq: w}
	}
	return out
}
