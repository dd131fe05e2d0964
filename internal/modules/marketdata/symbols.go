package marketdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

// SymbolRepository maps symbols to asset classes.
type SymbolRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSymbolRepository creates a symbol repository.
func NewSymbolRepository(db *sql.DB, log zerolog.Logger) *SymbolRepository {
	return &SymbolRepository{db: db, log: log.With().Str("repository", "symbols").Logger()}
}

// Upsert sets the asset class and display name of a symbol.
func (r *SymbolRepository) Upsert(ctx context.Context, symbol string, asset domain.AssetClass, name string) error {
	if symbol == "" {
		return domain.NewValidationError("symbol", "symbol is required")
	}
	if _, err := domain.ParseAssetClass(string(asset)); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO symbols (symbol, asset_class, name, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			asset_class = excluded.asset_class,
			name = COALESCE(NULLIF(excluded.name, ''), symbols.name),
			updated_at = excluded.updated_at`,
		symbol, string(asset), name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert symbol %s: %w", symbol, err)
	}
	return nil
}

// AssetClass returns the asset class of symbol. A symbol with bars but no
// metadata is a stock. A symbol with neither is not found.
func (r *SymbolRepository) AssetClass(ctx context.Context, symbol string) (domain.AssetClass, error) {
	var asset string
	err := r.db.QueryRowContext(ctx, `SELECT asset_class FROM symbols WHERE symbol = ?`, symbol).Scan(&asset)
	if err == nil {
		return domain.AssetClass(asset), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query symbol %s: %w", symbol, err)
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM bars WHERE symbol = ? LIMIT 1`, symbol).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", &domain.NotFoundError{Kind: "symbol", Name: symbol}
	case err != nil:
		return "", fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	return domain.AssetStocks, nil
}
