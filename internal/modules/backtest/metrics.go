// Package backtest replays trained models over held-out data and decides promotion.
package backtest

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Metrics summarizes out-of-sample prediction quality.
type Metrics struct {
	MSE                 float64 `json:"mse" msgpack:"mse"`
	RMSE                float64 `json:"rmse" msgpack:"rmse"`
	MAE                 float64 `json:"mae" msgpack:"mae"`
	DirectionalAccuracy float64 `json:"directional_accuracy" msgpack:"directional_accuracy"`
	NaiveMSE            float64 `json:"naive_mse" msgpack:"naive_mse"` // Zero-return baseline
	Samples             int     `json:"samples" msgpack:"samples"`
}

// BeatsNaive reports whether the model error is below the zero-return baseline.
func (m Metrics) BeatsNaive() bool {
	return m.MSE < m.NaiveMSE
}

// Evaluate computes metrics for aligned predictions and actual returns.
// A zero return counts as non-positive when comparing direction.
func Evaluate(predicted, actual []float64) Metrics {
	n := len(actual)
	if len(predicted) < n {
		n = len(predicted)
	}
	if n == 0 {
		return Metrics{}
	}
	p, a := predicted[:n], actual[:n]

	dist := floats.Distance(p, a, 2)
	m := Metrics{
		Samples: n,
		MSE:     dist * dist / float64(n),
		MAE:     floats.Distance(p, a, 1) / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)

	naive := floats.Norm(a, 2)
	m.NaiveMSE = naive * naive / float64(n)

	hits := 0
	for i := range a {
		if (p[i] > 0) == (a[i] > 0) {
			hits++
		}
	}
	m.DirectionalAccuracy = float64(hits) / float64(n)
	return m
}
