package training

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/models"
)

// ExpandGrid returns every combination of the tree grid, in a stable order.
func ExpandGrid(g config.GridPolicy, seed int64) []models.Params {
	out := make([]models.Params, 0, len(g.MaxDepth)*len(g.LearningRate)*len(g.NEstimators)*len(g.Subsample))
	for _, depth := range g.MaxDepth {
		for _, lr := range g.LearningRate {
			for _, n := range g.NEstimators {
				for _, sub := range g.Subsample {
					out = append(out, models.Params{
						MaxDepth:     depth,
						LearningRate: lr,
						NEstimators:  n,
						Subsample:    sub,
						Seed:         seed,
					})
				}
			}
		}
	}
	return out
}

// CVResult is the cross-validated score of one grid point.
type CVResult struct {
	Params models.Params `json:"params"`
	MSE    float64       `json:"mse"` // Mean over folds
	Err    error         `json:"-"`
}

// gridSearch scores every grid point over the folds with at most workers fits in
// flight. A failing grid point is dropped with a TransientComputeError; the search
// fails only when every point fails or ctx ends.
func gridSearch(ctx context.Context, ex *dataset.Examples, folds []dataset.Fold, grid []models.Params, workers int, log zerolog.Logger) (CVResult, []CVResult, error) {
	if len(grid) == 0 {
		return CVResult{}, nil, domain.NewValidationError("grid", "empty hyperparameter grid")
	}

	results := make([]CVResult, len(grid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for i, p := range grid {
		i, p := i, p
		g.Go(func() error {
			mse, err := crossValidate(gctx, ex, folds, p)
			results[i] = CVResult{Params: p, MSE: mse}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i].Err = &domain.TransientComputeError{Item: fmt.Sprintf("grid point %d", i), Err: err}
				log.Warn().Err(err).Interface("params", p).Msg("Grid point failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CVResult{}, nil, err
	}

	ok := make([]CVResult, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return CVResult{}, results, fmt.Errorf("all %d grid points failed: %w", len(results), results[0].Err)
	}

	// Stable sort keeps grid order among ties
	sort.SliceStable(ok, func(a, b int) bool { return ok[a].MSE < ok[b].MSE })
	return ok[0], results, nil
}

// crossValidate returns the mean held-out MSE of p across the folds. Each fold
// fits its own scaler on its training rows.
func crossValidate(ctx context.Context, ex *dataset.Examples, folds []dataset.Fold, p models.Params) (float64, error) {
	total, used := 0.0, 0
	for _, f := range folds {
		if len(f.Train) == 0 || len(f.Test) == 0 {
			continue
		}
		train, test := ex.Subset(f.Train), ex.Subset(f.Test)
		scaler := dataset.FitScaler(train.Matrix())

		model := models.NewBoostedTrees(p)
		if _, err := model.Fit(ctx, flatSamples(scaler.TransformMatrix(train.Matrix())), train.Targets()); err != nil {
			return 0, err
		}

		se := 0.0
		targets := test.Targets()
		for i, row := range scaler.TransformMatrix(test.Matrix()) {
			pred, err := model.Predict(models.Sample{Flat: row})
			if err != nil {
				return 0, err
			}
			se += (pred - targets[i]) * (pred - targets[i])
		}
		total += se / float64(len(targets))
		used++
	}
	if used == 0 {
		return 0, domain.NewValidationError("folds", "no fold has both training and test rows")
	}
	mse := total / float64(used)
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return 0, fmt.Errorf("non-finite cross-validation error")
	}
	return mse, nil
}

func flatSamples(matrix [][]float64) []models.Sample {
	out := make([]models.Sample, len(matrix))
	for i, row := range matrix {
		out[i] = models.Sample{Flat: row}
	}
	return out
}
