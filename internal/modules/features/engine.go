// Package features derives feature tables from OHLCV bars.
//
// Computation is a pure function of each symbol's bars up to and including a row:
// nothing looks ahead, and rows without enough history hold NaN for the affected
// columns instead of an error.
package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/pkg/formulas"
)

var rollingStatNames = func() []string {
	names := make([]string, len(formulas.RollingStats))
	for i, s := range formulas.RollingStats {
		names[i] = string(s)
	}
	return names
}()

// Engine computes feature tables for a fixed configuration. It holds no
// state between calls, so one engine can serve concurrent requests.
type Engine struct {
	cfg     Config
	columns []string
}

// NewEngine validates the configuration and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, columns: cfg.Columns()}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Columns returns the output column names.
func (e *Engine) Columns() []string {
	return append([]string(nil), e.columns...)
}

// Compute builds the feature table for bars of one or more symbols.
// Bars are partitioned by symbol and stable-sorted by timestamp; symbols appear in
// lexical order. Duplicate (symbol, timestamp) pairs are rejected.
func (e *Engine) Compute(bars []domain.Bar) (*Table, error) {
	groups := make(map[string][]domain.Bar)
	for _, b := range bars {
		groups[b.Symbol] = append(groups[b.Symbol], b)
	}

	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	table := newTable(e.columns, len(bars))
	for _, symbol := range symbols {
		series := groups[symbol]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})
		for i := 1; i < len(series); i++ {
			if series[i].Timestamp.Equal(series[i-1].Timestamp) {
				return nil, domain.NewValidationError("bars",
					fmt.Sprintf("duplicate bar for %s at %s", symbol, series[i].Timestamp.Format(time.RFC3339)))
			}
		}
		e.computeSymbol(table, series)
	}
	return table, nil
}

// computeSymbol appends the rows for one time-ordered symbol series.
func (e *Engine) computeSymbol(table *Table, series []domain.Bar) {
	n := len(series)
	cols := make(map[string][]float64, len(e.columns))

	open, high, low, closes, volume := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, b := range series {
		open[i], high[i], low[i], closes[i], volume[i] = b.Open, b.High, b.Low, b.Close, b.Volume
	}
	cols["open"], cols["high"], cols["low"], cols["close"], cols["volume"] = open, high, low, closes, volume

	if e.cfg.Technical {
		returns := formulas.Returns(closes)
		cols["returns"] = returns
		cols["log_returns"] = formulas.LogReturns(closes)
		cols["sma_7"] = formulas.SMA(closes, SMAShortWindow)
		cols["sma_30"] = formulas.SMA(closes, SMALongWindow)
		cols["ema_12"] = formulas.EMA(closes, EMAWindow)
		cols["volatility"] = formulas.Rolling(returns, VolatilityWindow, formulas.RollingStd)
		cols["rsi"] = formulas.RSI(closes, RSIPeriod)
		cols["macd"], cols["macd_signal"], cols["macd_hist"] = formulas.MACD(closes, MACDFast, MACDSlow, MACDSignal)
	}

	if e.cfg.Time {
		hour, dow, dom, month, weekend := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
		for i, b := range series {
			ts := b.Timestamp.UTC()
			hour[i] = float64(ts.Hour())
			// Monday = 0 ... Sunday = 6
			dow[i] = float64((int(ts.Weekday()) + 6) % 7)
			dom[i] = float64(ts.Day())
			month[i] = float64(ts.Month())
			if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
				weekend[i] = 1
			}
		}
		cols["hour"], cols["day_of_week"], cols["day_of_month"], cols["month"], cols["is_weekend"] = hour, dow, dom, month, weekend
	}

	for _, col := range e.cfg.Lag.Columns {
		for _, lag := range e.cfg.Lag.Lags {
			cols[LagColumn(col, lag)] = formulas.Lag(cols[col], lag)
		}
	}

	for _, col := range e.cfg.Rolling.Columns {
		for _, w := range e.cfg.Rolling.Windows {
			for _, stat := range formulas.RollingStats {
				cols[RollingColumn(col, string(stat), w)] = formulas.Rolling(cols[col], w, stat)
			}
		}
	}

	for i, b := range series {
		values := make([]float64, len(e.columns))
		for j, name := range e.columns {
			values[j] = cols[name][i]
		}
		table.Rows = append(table.Rows, Row{Symbol: b.Symbol, Timestamp: b.Timestamp, Values: values})
	}
}
