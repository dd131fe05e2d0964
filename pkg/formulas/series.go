// Package formulas provides the numeric series transforms used by feature engineering.
//
// Every function returns a slice aligned with its input. Positions without enough
// history hold NaN, never a placeholder number.
package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// NaNSlice returns a slice of n NaN values.
func NaNSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA calculates the simple moving average over period using go-talib.
// The first period-1 positions are NaN.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return NaNSlice(len(values))
	}
	return maskLookback(talib.Sma(values, period), period-1)
}

// EMA calculates the exponential moving average seeded with the SMA of the first period values.
// The first period-1 positions are NaN.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return NaNSlice(len(values))
	}
	return maskLookback(talib.Ema(values, period), period-1)
}

// EMASkipNaN computes the EMA over the defined tail of a series that starts with NaN values.
// Used for MACD signal lines where the input has its own warm-up gap.
func EMASkipNaN(values []float64, period int) []float64 {
	start := FirstDefined(values)
	out := NaNSlice(len(values))
	if start < 0 {
		return out
	}
	copy(out[start:], EMA(values[start:], period))
	return out
}

// Returns calculates percentage change: (v[i] - v[i-1]) / v[i-1]. Index 0 is NaN.
func Returns(values []float64) []float64 {
	out := NaNSlice(len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			out[i] = (values[i] - values[i-1]) / values[i-1]
		}
	}
	return out
}

// LogReturns calculates ln(v[i] / v[i-1]). Index 0 and non-positive prices are NaN.
func LogReturns(values []float64) []float64 {
	out := NaNSlice(len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 && values[i] > 0 {
			out[i] = math.Log(values[i] / values[i-1])
		}
	}
	return out
}

// RSI calculates the Relative Strength Index with Wilder smoothing.
//
//	RSI = 100 - 100 / (1 + avgGain/avgLoss)
//
// When the loss average is zero the result is 100 if there were gains and 50 for a
// flat series. The first period positions are NaN.
func RSI(values []float64, period int) []float64 {
	out := NaNSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		up, down := 0.0, 0.0
		if change > 0 {
			up = change
		} else {
			down = -change
		}
		avgGain = (avgGain*float64(period-1) + up) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + down) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}

	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line (fast EMA - slow EMA), its signal line and the histogram.
func MACD(values []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	line = NaNSlice(len(values))
	for i := range values {
		if !IsNaN(fastEMA[i]) && !IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}

	sig = EMASkipNaN(line, signal)
	hist = NaNSlice(len(values))
	for i := range values {
		if !IsNaN(line[i]) && !IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return line, sig, hist
}

// Lag shifts values by n positions. The first n positions are NaN.
func Lag(values []float64, n int) []float64 {
	out := NaNSlice(len(values))
	for i := n; i < len(values); i++ {
		out[i] = values[i-n]
	}
	return out
}

// RollingStat names a trailing-window aggregate.
type RollingStat string

// Rolling aggregates.
const (
	RollingMean RollingStat = "mean"
	RollingStd  RollingStat = "std"
	RollingMin  RollingStat = "min"
	RollingMax  RollingStat = "max"
)

// RollingStats lists the aggregates in the order feature columns are emitted.
var RollingStats = []RollingStat{RollingMean, RollingStd, RollingMin, RollingMax}

// Rolling applies a trailing-window aggregate. A position is defined only when all window
// values are defined, so the first window-1 positions (plus any inherited NaN gap) are NaN.
// Standard deviation is the sample estimate; a window of one yields NaN for it.
func Rolling(values []float64, window int, kind RollingStat) []float64 {
	out := NaNSlice(len(values))
	if window <= 0 {
		return out
	}

	for i := window - 1; i < len(values); i++ {
		w := values[i-window+1 : i+1]
		if HasNaN(w) {
			continue
		}
		switch kind {
		case RollingMean:
			out[i] = stat.Mean(w, nil)
		case RollingStd:
			if window > 1 {
				out[i] = stat.StdDev(w, nil)
			}
		case RollingMin:
			out[i] = floats.Min(w)
		case RollingMax:
			out[i] = floats.Max(w)
		}
	}
	return out
}

// Mean calculates the arithmetic mean of a slice of float64 values.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// FirstDefined returns the index of the first non-NaN value, or -1.
func FirstDefined(values []float64) int {
	for i, v := range values {
		if !IsNaN(v) {
			return i
		}
	}
	return -1
}

// HasNaN reports whether any value is NaN.
func HasNaN(values []float64) bool {
	return floats.HasNaN(values)
}

// IsNaN checks if a float64 is NaN.
func IsNaN(f float64) bool {
	return f != f
}

func maskLookback(out []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}
