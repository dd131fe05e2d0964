// Package dataset turns feature tables into supervised training data: targets,
// time-ordered splits, cross-validation folds and sequence windows.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/features"
)

// Example is one feature vector paired with its forward return.
type Example struct {
	Symbol     string
	Timestamp  time.Time
	TargetTime time.Time // Timestamp of the bar the target was read from
	Features   []float64
	Target     float64
}

// Examples is a set of training examples grouped by symbol, time-ordered within a symbol.
type Examples struct {
	Columns []string
	Items   []Example
}

// Len returns the number of examples.
func (e *Examples) Len() int {
	return len(e.Items)
}

// Matrix returns the feature rows.
func (e *Examples) Matrix() [][]float64 {
	out := make([][]float64, len(e.Items))
	for i, it := range e.Items {
		out[i] = it.Features
	}
	return out
}

// Targets returns the target column.
func (e *Examples) Targets() []float64 {
	out := make([]float64, len(e.Items))
	for i, it := range e.Items {
		out[i] = it.Target
	}
	return out
}

// Subset returns the examples at the given indices, keeping their order.
func (e *Examples) Subset(idx []int) *Examples {
	out := &Examples{Columns: e.Columns, Items: make([]Example, len(idx))}
	for i, k := range idx {
		out.Items[i] = e.Items[k]
	}
	return out
}

// BySymbol splits the examples per symbol, preserving time order.
func (e *Examples) BySymbol() map[string]*Examples {
	out := make(map[string]*Examples)
	for _, it := range e.Items {
		s, ok := out[it.Symbol]
		if !ok {
			s = &Examples{Columns: e.Columns}
			out[it.Symbol] = s
		}
		s.Items = append(s.Items, it)
	}
	return out
}

// AttachTargets pairs every row with target close[t+h]/close[t] - 1 computed within its
// symbol. The last h rows of each symbol have no future bar and are dropped, as are
// rows where any selected column is undefined.
func AttachTargets(table *features.Table, columns []string, horizon int) (*Examples, error) {
	if horizon <= 0 {
		return nil, domain.NewValidationError("horizon", fmt.Sprintf("horizon must be positive, got %d", horizon))
	}
	closeIdx := table.ColumnIndex("close")
	if closeIdx < 0 {
		return nil, domain.NewValidationError("columns", "feature table has no close column")
	}
	matrix := table.Matrix(columns)

	out := &Examples{Columns: columns}
	start := 0
	for start < len(table.Rows) {
		end := start
		for end < len(table.Rows) && table.Rows[end].Symbol == table.Rows[start].Symbol {
			end++
		}

		for i := start; i+horizon < end; i++ {
			if hasNaN(matrix[i]) {
				continue
			}
			now := table.Rows[i].Values[closeIdx]
			future := table.Rows[i+horizon].Values[closeIdx]
			if now == 0 || math.IsNaN(now) || math.IsNaN(future) {
				continue
			}
			out.Items = append(out.Items, Example{
				Symbol:     table.Rows[i].Symbol,
				Timestamp:  table.Rows[i].Timestamp,
				TargetTime: table.Rows[i+horizon].Timestamp,
				Features:   matrix[i],
				Target:     future/now - 1,
			})
		}
		start = end
	}
	return out, nil
}

// TimeSplit cuts the examples at a single point in time: the last testFraction of the
// distinct timestamps form the test partition. Training examples whose target reads a
// bar at or after the cutoff are purged so no label leaks test-period prices.
func TimeSplit(ex *Examples, testFraction float64) (train, test *Examples, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, domain.NewValidationError("test_fraction", fmt.Sprintf("must be in (0,1), got %v", testFraction))
	}
	times := distinctTimes(ex)
	if len(times) < 2 {
		return nil, nil, domain.NewValidationError("examples", "need at least two distinct timestamps to split")
	}

	cut := int(math.Floor(float64(len(times)) * (1 - testFraction)))
	cut = min(max(cut, 1), len(times)-1)
	cutoff := times[cut]

	train = &Examples{Columns: ex.Columns}
	test = &Examples{Columns: ex.Columns}
	for _, it := range ex.Items {
		switch {
		case !it.Timestamp.Before(cutoff):
			test.Items = append(test.Items, it)
		case it.TargetTime.Before(cutoff):
			train.Items = append(train.Items, it)
		}
	}

	if train.Len() == 0 || test.Len() == 0 {
		return nil, nil, domain.NewValidationError("examples", "time split produced an empty partition")
	}
	return train, test, nil
}

// Fold is one forward-chaining cross-validation split of example indices.
type Fold struct {
	Train []int
	Test  []int
}

// TimeSeriesFolds builds k ordered folds over the distinct timestamps: fold i trains on
// every block before block i+1 and tests on block i+1. Test blocks never overlap and
// always lie after their training data.
func TimeSeriesFolds(ex *Examples, k int) ([]Fold, error) {
	if k < 2 {
		return nil, domain.NewValidationError("folds", fmt.Sprintf("need at least 2 folds, got %d", k))
	}
	times := distinctTimes(ex)
	block := len(times) / (k + 1)
	if block == 0 {
		return nil, domain.NewValidationError("folds",
			fmt.Sprintf("%d timestamps are not enough for %d folds", len(times), k))
	}

	// Index of the first distinct timestamp not before ts; target times past the
	// last example map to len(times)
	position := func(ts time.Time) int {
		return sort.Search(len(times), func(i int) bool { return !times[i].Before(ts) })
	}

	folds := make([]Fold, k)
	for f := 0; f < k; f++ {
		trainEnd := block * (f + 1)
		testEnd := trainEnd + block
		if f == k-1 {
			testEnd = len(times)
		}
		for i, it := range ex.Items {
			p := position(it.Timestamp)
			switch {
			case p < trainEnd && position(it.TargetTime) < trainEnd:
				folds[f].Train = append(folds[f].Train, i)
			case p >= trainEnd && p < testEnd:
				folds[f].Test = append(folds[f].Test, i)
			}
		}
	}
	return folds, nil
}

func distinctTimes(ex *Examples) []time.Time {
	seen := make(map[int64]time.Time)
	for _, it := range ex.Items {
		seen[it.Timestamp.UnixNano()] = it.Timestamp
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}
