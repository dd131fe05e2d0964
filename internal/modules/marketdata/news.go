package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/database"
	"github.com/aristath/augur/internal/domain"
)

// NewsRepository stores headlines per symbol.
type NewsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewNewsRepository creates a news repository.
func NewNewsRepository(db *sql.DB, log zerolog.Logger) *NewsRepository {
	return &NewsRepository{db: db, log: log.With().Str("repository", "news").Logger()}
}

// Insert stores headlines.
func (r *NewsRepository) Insert(ctx context.Context, items []domain.NewsItem) error {
	for _, it := range items {
		if it.Symbol == "" || it.Headline == "" {
			return domain.NewValidationError("news", "symbol and headline are required")
		}
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, it := range items {
			published := it.PublishedAt
			if published.IsZero() {
				published = time.Now()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO news (symbol, headline, source, published_at) VALUES (?, ?, ?, ?)`,
				it.Symbol, it.Headline, it.Source, published.Unix()); err != nil {
				return fmt.Errorf("failed to insert headline: %w", err)
			}
		}
		return nil
	})
}

// Recent returns up to limit headlines of symbol published since, newest first.
func (r *NewsRepository) Recent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.NewsItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, headline, COALESCE(source, ''), published_at FROM news
		WHERE symbol = ? AND published_at >= ?
		ORDER BY published_at DESC, id DESC LIMIT ?`, symbol, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query news: %w", err)
	}
	defer rows.Close()

	var out []domain.NewsItem
	for rows.Next() {
		var (
			it domain.NewsItem
			ts int64
		)
		if err := rows.Scan(&it.Symbol, &it.Headline, &it.Source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan headline: %w", err)
		}
		it.PublishedAt = time.Unix(ts, 0).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}
