package testing

import (
	"math"
	"math/rand"
	"time"

	"github.com/aristath/augur/internal/domain"
)

// FixtureStart is the first timestamp of generated series.
var FixtureStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SeriesOptions shapes a synthetic daily series.
type SeriesOptions struct {
	Start      time.Time
	Price      float64 // Starting close, defaults to 100
	Drift      float64 // Mean daily return
	Volatility float64 // Daily return std, defaults to 0.01
	Seed       int64
}

// SyntheticBars generates n daily bars for symbol as a seeded random walk.
// The same options always produce the same bars.
func SyntheticBars(symbol string, n int, opts SeriesOptions) []domain.Bar {
	if opts.Start.IsZero() {
		opts.Start = FixtureStart
	}
	if opts.Price == 0 {
		opts.Price = 100
	}
	if opts.Volatility == 0 {
		opts.Volatility = 0.01
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	bars := make([]domain.Bar, n)
	price := opts.Price

	for i := 0; i < n; i++ {
		ret := opts.Drift + opts.Volatility*rng.NormFloat64()
		open := price
		price = math.Max(price*(1+ret), 0.01)
		spread := math.Abs(ret) * price
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: opts.Start.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, price) + spread,
			Low:       math.Max(math.Min(open, price)-spread, 0.001),
			Close:     price,
			Volume:    1e6 * (1 + rng.Float64()),
		}
	}
	return bars
}

// LinearBars generates n daily bars whose close rises by step each day.
func LinearBars(symbol string, n int, start, step float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: FixtureStart.AddDate(0, 0, i),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000 + float64(i),
		}
	}
	return bars
}
