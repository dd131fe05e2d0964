package prediction

import (
	"context"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/backtest"
)

const (
	accuracySymbols = 5
	accuracyRows    = 30
)

// RecentAccuracy replays a serving model over the latest bars of up to five
// symbols of its asset class and measures how often it called the direction of
// the realized return. samples is 0 when nothing could be evaluated.
func (s *Service) RecentAccuracy(ctx context.Context, key domain.ModelKey) (float64, int, error) {
	asset, _, err := key.Split()
	if err != nil {
		return 0, 0, err
	}
	art, ok := s.models.Artifact(key)
	if !ok {
		return 0, 0, &domain.ModelNotFoundError{Key: string(key)}
	}
	symbols, err := s.bars.Symbols(ctx, asset)
	if err != nil {
		return 0, 0, err
	}
	if len(symbols) > accuracySymbols {
		symbols = symbols[:accuracySymbols]
	}

	horizon := art.Spec.Horizon
	if horizon < 1 {
		horizon = 1
	}
	w := window(art)

	var preds, actual []float64
	for _, symbol := range symbols {
		table, err := s.features(ctx, art, symbol, accuracyRows+w+horizon)
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", symbol).Msg("Skipping symbol in accuracy check")
			continue
		}
		series := table.Slice(symbol)
		rows := make([]map[string]float64, len(series.Rows))
		for i := range series.Rows {
			rows[i] = series.RowMap(i)
		}
		// Warm-up rows lack features and are never replayed
		start := completeFrom(rows, art.Spec.Columns)
		out, err := s.models.Replay(ctx, key, rows[start:])
		if err != nil {
			return 0, 0, err
		}

		closes := series.Column("close")
		// out[j] predicts from row start+w-1+j; only rows with a realized target count
		first := len(closes) - horizon - accuracyRows
		for j, p := range out {
			row := start + w - 1 + j
			if row < first || row+horizon >= len(closes) {
				continue
			}
			preds = append(preds, p)
			actual = append(actual, closes[row+horizon]/closes[row]-1)
		}
	}
	if len(preds) == 0 {
		return 0, 0, nil
	}
	m := backtest.Evaluate(preds, actual)
	return m.DirectionalAccuracy, len(preds), nil
}
