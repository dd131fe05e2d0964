package drift

import (
	"math"
	"sort"
)

// FeatureDrift is the PSI of one feature.
type FeatureDrift struct {
	Name string  `json:"name"`
	PSI  float64 `json:"psi"`
}

// Report is the drift of a live sample against a reference.
type Report struct {
	Score    float64        `json:"score"` // Mean PSI over features
	Samples  int            `json:"samples"`
	Features []FeatureDrift `json:"features"` // Sorted by PSI, largest first
}

// Top returns the n most drifted features.
func (r Report) Top(n int) []FeatureDrift {
	if n > len(r.Features) {
		n = len(r.Features)
	}
	return r.Features[:n]
}

// PSI is the population stability index of values against one reference feature:
//
//	sum over bins of (live - ref) * ln(live / ref)
func PSI(ref FeatureReference, values []float64) float64 {
	defined := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			defined = append(defined, v)
		}
	}
	if len(defined) == 0 || len(ref.Proportions) < 2 {
		return 0
	}

	live := proportions(ref.Edges, defined)
	psi := 0.0
	for i, expected := range ref.Proportions {
		e := math.Max(expected, minProportion)
		a := math.Max(live[i], minProportion)
		psi += (a - e) * math.Log(a/e)
	}
	return psi
}

// Score computes per-feature PSI for a live matrix whose columns follow the reference.
func Score(ref Reference, matrix [][]float64) Report {
	report := Report{Samples: len(matrix), Features: make([]FeatureDrift, len(ref.Features))}
	if len(ref.Features) == 0 {
		return report
	}

	total := 0.0
	for j, f := range ref.Features {
		psi := PSI(f, column(matrix, j))
		report.Features[j] = FeatureDrift{Name: f.Name, PSI: psi}
		total += psi
	}
	report.Score = total / float64(len(ref.Features))

	sort.SliceStable(report.Features, func(a, b int) bool {
		return report.Features[a].PSI > report.Features[b].PSI
	})
	return report
}
