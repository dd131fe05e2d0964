package features

import (
	"fmt"

	"github.com/aristath/augur/internal/domain"
)

// Technical indicator parameters.
const (
	SMAShortWindow   = 7
	SMALongWindow    = 30
	EMAWindow        = 12
	VolatilityWindow = 20
	RSIPeriod        = 14
	MACDFast         = 12
	MACDSlow         = 26
	MACDSignal       = 9
)

// LagConfig requests `{column}_lag_{n}` for every column and lag.
type LagConfig struct {
	Columns []string `json:"columns" msgpack:"columns"`
	Lags    []int    `json:"lags" msgpack:"lags"`
}

// RollingConfig requests `{column}_rolling_{stat}_{window}` for every column and window.
type RollingConfig struct {
	Columns []string `json:"columns" msgpack:"columns"`
	Windows []int    `json:"windows" msgpack:"windows"`
}

// Config enumerates the feature groups to compute. It is persisted with every
// artifact so inference recomputes exactly the training columns.
type Config struct {
	Technical bool          `json:"technical" msgpack:"technical"`
	Time      bool          `json:"time" msgpack:"time"`
	Lag       LagConfig     `json:"lag" msgpack:"lag"`
	Rolling   RollingConfig `json:"rolling" msgpack:"rolling"`
}

// Validate checks windows, lags and column references.
func (c Config) Validate() error {
	known := make(map[string]bool)
	for _, col := range c.baseAndDerivedColumns() {
		known[col] = true
	}

	for _, lag := range c.Lag.Lags {
		if lag <= 0 {
			return domain.NewValidationError("lag", fmt.Sprintf("lag must be positive, got %d", lag))
		}
	}
	for _, col := range c.Lag.Columns {
		if !known[col] {
			return domain.NewValidationError("lag", fmt.Sprintf("unknown column %q", col))
		}
	}
	for _, w := range c.Rolling.Windows {
		if w <= 0 {
			return domain.NewValidationError("rolling", fmt.Sprintf("window must be positive, got %d", w))
		}
	}
	for _, col := range c.Rolling.Columns {
		if !known[col] {
			return domain.NewValidationError("rolling", fmt.Sprintf("unknown column %q", col))
		}
	}
	return nil
}

// Columns returns the output column names in emission order.
func (c Config) Columns() []string {
	cols := c.baseAndDerivedColumns()
	if c.Time {
		cols = append(cols, timeColumns...)
	}
	for _, col := range c.Lag.Columns {
		for _, lag := range c.Lag.Lags {
			cols = append(cols, LagColumn(col, lag))
		}
	}
	for _, col := range c.Rolling.Columns {
		for _, w := range c.Rolling.Windows {
			for _, stat := range rollingStatNames {
				cols = append(cols, RollingColumn(col, stat, w))
			}
		}
	}
	return cols
}

// MinHistory is the number of trailing bars needed before the last row has every
// feature defined.
func (c Config) MinHistory() int {
	need := 1
	if c.Technical {
		// MACD signal is the longest chain: slow EMA then signal EMA
		need = max(need, SMALongWindow, MACDSlow+MACDSignal-1, RSIPeriod+1, VolatilityWindow+1)
	}
	offset := 0
	if c.Technical {
		// Lagged/rolled technical columns inherit their own warm-up
		offset = MACDSlow + MACDSignal - 1
	}
	for _, lag := range c.Lag.Lags {
		need = max(need, lag+offset+1)
	}
	for _, w := range c.Rolling.Windows {
		need = max(need, w+offset)
	}
	return need
}

func (c Config) baseAndDerivedColumns() []string {
	cols := append([]string{}, baseColumns...)
	if c.Technical {
		cols = append(cols, technicalColumns...)
	}
	return cols
}

var baseColumns = []string{"open", "high", "low", "close", "volume"}

var technicalColumns = []string{
	"returns", "log_returns", "sma_7", "sma_30", "ema_12", "volatility",
	"rsi", "macd", "macd_signal", "macd_hist",
}

var timeColumns = []string{"hour", "day_of_week", "day_of_month", "month", "is_weekend"}

// LagColumn names a lag feature.
func LagColumn(col string, lag int) string {
	return fmt.Sprintf("%s_lag_%d", col, lag)
}

// RollingColumn names a rolling feature.
func RollingColumn(col, stat string, window int) string {
	return fmt.Sprintf("%s_rolling_%s_%d", col, stat, window)
}
