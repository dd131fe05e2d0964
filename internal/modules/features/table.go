package features

import (
	"math"
	"time"
)

// Row is the feature vector of one (symbol, timestamp).
type Row struct {
	Symbol    string
	Timestamp time.Time
	Values    []float64 // Aligned with Table.Columns, NaN = undefined
}

// Table is a feature table grouped by symbol, time-ordered within each symbol.
type Table struct {
	Columns []string
	Rows    []Row
	index   map[string]int
}

func newTable(columns []string, capacity int) *Table {
	t := &Table{Columns: columns, Rows: make([]Row, 0, capacity)}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c] = i
	}
}

// ColumnIndex returns the position of a column, or -1.
func (t *Table) ColumnIndex(name string) int {
	if t.index == nil {
		t.buildIndex()
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Column returns a copy of one column across all rows.
func (t *Table) Column(name string) []float64 {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Values[idx]
	}
	return out
}

// Value returns a single cell, NaN when the column is unknown.
func (t *Table) Value(row int, name string) float64 {
	idx := t.ColumnIndex(name)
	if idx < 0 || row < 0 || row >= len(t.Rows) {
		return math.NaN()
	}
	return t.Rows[row].Values[idx]
}

// Symbols returns the symbols in table order.
func (t *Table) Symbols() []string {
	var out []string
	for i, r := range t.Rows {
		if i == 0 || t.Rows[i-1].Symbol != r.Symbol {
			out = append(out, r.Symbol)
		}
	}
	return out
}

// Slice returns a table holding only the rows of symbol.
func (t *Table) Slice(symbol string) *Table {
	out := newTable(t.Columns, 0)
	for _, r := range t.Rows {
		if r.Symbol == symbol {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Tail returns a table with the last n rows of symbol.
func (t *Table) Tail(symbol string, n int) *Table {
	s := t.Slice(symbol)
	if n < len(s.Rows) {
		s.Rows = s.Rows[len(s.Rows)-n:]
	}
	return s
}

// Last returns the newest row of symbol as a column-name map.
func (t *Table) Last(symbol string) (map[string]float64, bool) {
	for i := len(t.Rows) - 1; i >= 0; i-- {
		if t.Rows[i].Symbol == symbol {
			return t.RowMap(i), true
		}
	}
	return nil, false
}

// Matrix projects rows onto the given columns. Unknown columns yield NaN.
func (t *Table) Matrix(columns []string) [][]float64 {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.ColumnIndex(c)
	}
	out := make([][]float64, len(t.Rows))
	for i, r := range t.Rows {
		vec := make([]float64, len(columns))
		for j, k := range idx {
			if k < 0 {
				vec[j] = math.NaN()
			} else {
				vec[j] = r.Values[k]
			}
		}
		out[i] = vec
	}
	return out
}

// RowMap returns one row as a column-name map; undefined values are omitted.
func (t *Table) RowMap(row int) map[string]float64 {
	out := make(map[string]float64, len(t.Columns))
	for j, c := range t.Columns {
		if v := t.Rows[row].Values[j]; !math.IsNaN(v) {
			out[c] = v
		}
	}
	return out
}
