// Package marketdata stores OHLCV bars, symbol metadata and news headlines and
// imports bars from CSV and Parquet files.
package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/database"
	"github.com/aristath/augur/internal/domain"
)

// BarRepository stores bars keyed by (symbol, timestamp).
type BarRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBarRepository creates a bar repository.
func NewBarRepository(db *sql.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{db: db, log: log.With().Str("repository", "bars").Logger()}
}

// Upsert writes bars in one transaction. An existing (symbol, timestamp) is replaced.
func (r *BarRepository) Upsert(ctx context.Context, bars []domain.Bar) (int, error) {
	for i, b := range bars {
		if err := validateBar(b); err != nil {
			return 0, fmt.Errorf("bar %d: %w", i, err)
		}
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bars (symbol, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, ts) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume`)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timestamp.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("failed to upsert bar %s@%s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().Int("count", len(bars)).Msg("Bars upserted")
	return len(bars), nil
}

// Range returns bars of symbol in [from, to] in time order. A zero bound is open.
func (r *BarRepository) Range(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, ts, open, high, low, close, volume
		FROM bars WHERE symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`, symbol, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// Latest returns the newest n bars of symbol in time order.
func (r *BarRepository) Latest(ctx context.Context, symbol string, n int) ([]domain.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, ts, open, high, low, close, volume FROM (
			SELECT * FROM bars WHERE symbol = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// Symbols returns the symbols with stored bars in an asset class. Symbols without
// metadata count as stocks.
func (r *BarRepository) Symbols(ctx context.Context, asset domain.AssetClass) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT b.symbol FROM bars b
		LEFT JOIN symbols s ON s.symbol = b.symbol
		WHERE COALESCE(s.asset_class, ?) = ?
		ORDER BY b.symbol`, string(domain.AssetStocks), string(asset))
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of stored bars of symbol.
func (r *BarRepository) Count(ctx context.Context, symbol string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE symbol = ?`, symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return n, nil
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar
	for rows.Next() {
		var (
			b  domain.Bar
			ts int64
		)
		if err := rows.Scan(&b.Symbol, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func validateBar(b domain.Bar) error {
	switch {
	case b.Symbol == "":
		return domain.NewValidationError("symbol", "symbol is required")
	case b.Timestamp.IsZero():
		return domain.NewValidationError("timestamp", "timestamp is required")
	case b.Close <= 0 || b.Open <= 0 || b.High <= 0 || b.Low <= 0:
		return domain.NewValidationError("price", "prices must be positive")
	case b.High < b.Low:
		return domain.NewValidationError("high", "high is below low")
	case b.Volume < 0:
		return domain.NewValidationError("volume", "volume is negative")
	}
	return nil
}
