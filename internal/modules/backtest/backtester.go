package backtest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/models"
)

// Candidate is a trained model together with the held-out inputs it consumes.
// Tree models replay flat rows; sequence models replay windows ending at each
// held-out row, built from their trailing history.
type Candidate struct {
	Name    string
	Model   models.Regressor
	Samples []models.Sample
	Targets []float64
}

// Result is the replay outcome of one candidate.
type Result struct {
	Name        string             `json:"name"`
	Family      domain.ModelFamily `json:"family"`
	Metrics     Metrics            `json:"metrics"`
	Predictions []float64          `json:"-"`
	Err         error              `json:"-"`
}

// Backtester replays candidates bar by bar without refitting.
type Backtester struct {
	log zerolog.Logger
}

// NewBacktester creates a backtester.
func NewBacktester(log zerolog.Logger) *Backtester {
	return &Backtester{log: log.With().Str("component", "backtester").Logger()}
}

// Run evaluates every candidate. A failing candidate carries its error in the
// result and does not affect the others.
func (b *Backtester) Run(ctx context.Context, candidates []Candidate) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		res := Result{Name: c.Name, Family: c.Model.Family()}
		preds, err := replay(ctx, c)
		if err != nil {
			res.Err = err
			b.log.Warn().Err(err).Str("candidate", c.Name).Msg("Backtest failed")
		} else {
			res.Predictions = preds
			res.Metrics = Evaluate(preds, c.Targets)
			b.log.Info().
				Str("candidate", c.Name).
				Int("samples", res.Metrics.Samples).
				Float64("rmse", res.Metrics.RMSE).
				Float64("directional_accuracy", res.Metrics.DirectionalAccuracy).
				Float64("naive_mse", res.Metrics.NaiveMSE).
				Msg("Backtest complete")
		}
		results = append(results, res)
	}
	return results
}

func replay(ctx context.Context, c Candidate) ([]float64, error) {
	if len(c.Samples) != len(c.Targets) {
		return nil, domain.NewValidationError("samples", fmt.Sprintf("%d samples for %d targets", len(c.Samples), len(c.Targets)))
	}
	preds := make([]float64, len(c.Samples))
	for i, s := range c.Samples {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v, err := c.Model.Predict(s)
		if err != nil {
			return nil, &domain.TransientComputeError{Item: fmt.Sprintf("%s row %d", c.Name, i), Err: err}
		}
		preds[i] = v
	}
	return preds, nil
}
