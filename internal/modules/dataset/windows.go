package dataset

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/augur/internal/domain"
)

// Windows builds overlapping windows of L consecutive rows. Window i covers rows
// [i, i+L) and is paired with the target of its last row.
func Windows(matrix [][]float64, targets []float64, L int) ([][][]float64, []float64, error) {
	if L <= 0 {
		return nil, nil, domain.NewValidationError("window", fmt.Sprintf("window length must be positive, got %d", L))
	}
	if len(matrix) != len(targets) {
		return nil, nil, domain.NewValidationError("window",
			fmt.Sprintf("matrix has %d rows but %d targets", len(matrix), len(targets)))
	}
	if len(matrix) < L {
		return nil, nil, domain.NewValidationError("window",
			fmt.Sprintf("need %d rows for a window, have %d", L, len(matrix)))
	}

	n := len(matrix) - L + 1
	windows := make([][][]float64, n)
	aligned := make([]float64, n)
	for i := 0; i < n; i++ {
		windows[i] = matrix[i : i+L]
		aligned[i] = targets[i+L-1]
	}
	return windows, aligned, nil
}

// SequenceSet is a set of windows with the key of each window's last row.
type SequenceSet struct {
	Windows    [][][]float64
	Targets    []float64
	Symbols    []string
	Timestamps []time.Time
}

// Len returns the number of windows.
func (s *SequenceSet) Len() int {
	return len(s.Windows)
}

// SymbolWindows builds windows per symbol so no window spans two symbols.
// A symbol with fewer than L examples is a validation error.
func SymbolWindows(ex *Examples, L int) (*SequenceSet, error) {
	groups := ex.BySymbol()
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	set := &SequenceSet{}
	for _, symbol := range symbols {
		g := groups[symbol]
		windows, targets, err := Windows(g.Matrix(), g.Targets(), L)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", symbol, err)
		}
		set.Windows = append(set.Windows, windows...)
		set.Targets = append(set.Targets, targets...)
		for i := range windows {
			last := g.Items[i+L-1]
			set.Symbols = append(set.Symbols, last.Symbol)
			set.Timestamps = append(set.Timestamps, last.Timestamp)
		}
	}
	return set, nil
}

// SplitByTime orders windows by the time of their last row and returns the earliest
// (1-fraction) and the latest fraction.
func (s *SequenceSet) SplitByTime(fraction float64) (train, validation *SequenceSet) {
	idx := make([]int, s.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.Timestamps[idx[a]].Before(s.Timestamps[idx[b]])
	})

	cut := s.Len() - int(float64(s.Len())*fraction)
	cut = min(max(cut, 1), s.Len())
	return s.subset(idx[:cut]), s.subset(idx[cut:])
}

// Ordered returns the windows sorted by the time of their last row.
func (s *SequenceSet) Ordered() *SequenceSet {
	ordered, _ := s.SplitByTime(0)
	return ordered
}

func (s *SequenceSet) subset(idx []int) *SequenceSet {
	out := &SequenceSet{}
	for _, i := range idx {
		out.Windows = append(out.Windows, s.Windows[i])
		out.Targets = append(out.Targets, s.Targets[i])
		out.Symbols = append(out.Symbols, s.Symbols[i])
		out.Timestamps = append(out.Timestamps, s.Timestamps[i])
	}
	return out
}
