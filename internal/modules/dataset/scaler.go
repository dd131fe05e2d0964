package dataset

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes features with statistics fitted on training rows.
// It is persisted with the artifact so inference applies the identical transform.
type Scaler struct {
	Mean []float64 `msgpack:"mean"`
	Std  []float64 `msgpack:"std"`
}

// FitScaler computes per-column mean and standard deviation, ignoring NaN.
// Constant columns get a unit scale.
func FitScaler(matrix [][]float64) *Scaler {
	if len(matrix) == 0 {
		return &Scaler{}
	}
	cols := len(matrix[0])
	s := &Scaler{Mean: make([]float64, cols), Std: make([]float64, cols)}

	col := make([]float64, 0, len(matrix))
	for j := 0; j < cols; j++ {
		col = col[:0]
		for _, row := range matrix {
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}
		mean, std := 0.0, 1.0
		if len(col) > 0 {
			mean = stat.Mean(col, nil)
		}
		if len(col) > 1 {
			if sd := stat.StdDev(col, nil); sd > 1e-12 {
				std = sd
			}
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

// Transform scales one vector. Undefined values map to 0, the training mean.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j, x := range v {
		if j >= len(s.Mean) || math.IsNaN(x) {
			continue
		}
		out[j] = (x - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformMatrix scales every row.
func (s *Scaler) TransformMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = s.Transform(row)
	}
	return out
}
