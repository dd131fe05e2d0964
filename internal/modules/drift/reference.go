// Package drift compares live inference inputs against the feature distribution a
// model was trained on.
package drift

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Proportions are floored at this value so empty bins keep PSI finite.
const minProportion = 1e-4

// FeatureReference summarizes one training feature.
type FeatureReference struct {
	Name        string    `json:"name" msgpack:"name"`
	Edges       []float64 `json:"edges" msgpack:"edges"` // Interior bin edges, ascending
	Proportions []float64 `json:"proportions" msgpack:"proportions"`
	Mean        float64   `json:"mean" msgpack:"mean"`
	Std         float64   `json:"std" msgpack:"std"`
	Min         float64   `json:"min" msgpack:"min"`
	Max         float64   `json:"max" msgpack:"max"`
}

// Reference is the training-time feature distribution persisted with an artifact.
type Reference struct {
	Features []FeatureReference `json:"features" msgpack:"features"`
	Samples  int                `json:"samples" msgpack:"samples"`
}

// BuildReference captures quantile bins and moments for every column of the
// training matrix. NaN values are ignored.
func BuildReference(columns []string, matrix [][]float64, bins int) Reference {
	if bins < 2 {
		bins = 10
	}
	ref := Reference{Features: make([]FeatureReference, len(columns)), Samples: len(matrix)}

	for j, name := range columns {
		col := column(matrix, j)
		fr := FeatureReference{Name: name}
		if len(col) == 0 {
			fr.Proportions = []float64{1}
			ref.Features[j] = fr
			continue
		}
		sort.Float64s(col)
		fr.Mean, fr.Std = stat.MeanStdDev(col, nil)
		if math.IsNaN(fr.Std) {
			fr.Std = 0
		}
		fr.Min, fr.Max = col[0], col[len(col)-1]

		for q := 1; q < bins; q++ {
			edge := stat.Quantile(float64(q)/float64(bins), stat.Empirical, col, nil)
			if edge >= fr.Max {
				continue
			}
			if len(fr.Edges) == 0 || edge > fr.Edges[len(fr.Edges)-1] {
				fr.Edges = append(fr.Edges, edge)
			}
		}
		fr.Proportions = proportions(fr.Edges, col)
		ref.Features[j] = fr
	}
	return ref
}

// Columns returns the feature names in order.
func (r Reference) Columns() []string {
	out := make([]string, len(r.Features))
	for i, f := range r.Features {
		out[i] = f.Name
	}
	return out
}

// OutOfRangeFraction is the share of defined values in v lying more than z reference
// standard deviations from the reference mean.
func (r Reference) OutOfRangeFraction(v []float64, z float64) float64 {
	defined, outside := 0, 0
	for j, x := range v {
		if j >= len(r.Features) || math.IsNaN(x) {
			continue
		}
		f := r.Features[j]
		defined++
		if f.Std == 0 {
			if x != f.Mean {
				outside++
			}
			continue
		}
		if math.Abs(x-f.Mean)/f.Std > z {
			outside++
		}
	}
	if defined == 0 {
		return 0
	}
	return float64(outside) / float64(defined)
}

// bin returns the bin index of x: values <= Edges[k] fall in bin k or lower.
func bin(edges []float64, x float64) int {
	return sort.SearchFloat64s(edges, x)
}

func proportions(edges, values []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		counts[bin(edges, v)]++
	}
	for i := range counts {
		counts[i] /= float64(len(values))
	}
	return counts
}

func column(matrix [][]float64, j int) []float64 {
	col := make([]float64, 0, len(matrix))
	for _, row := range matrix {
		if j < len(row) && !math.IsNaN(row[j]) {
			col = append(col, row[j])
		}
	}
	return col
}
