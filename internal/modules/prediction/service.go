// Package prediction serves per-symbol predictions: it loads recent bars, computes
// the serving model's features and asks the registry, with a TTL cache in front.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/features"
	"github.com/aristath/augur/internal/modules/registry"
)

// extra bars loaded beyond the feature warm-up.
const historySlack = 10

// ModelServer is the registry surface used for serving.
type ModelServer interface {
	Predict(ctx context.Context, req registry.Request) (*registry.Result, error)
	Artifact(key domain.ModelKey) (*artifacts.Artifact, bool)
	Replay(ctx context.Context, key domain.ModelKey, rows []map[string]float64) ([]float64, error)
}

// BarStore supplies stored bars.
type BarStore interface {
	Latest(ctx context.Context, symbol string, n int) ([]domain.Bar, error)
	Symbols(ctx context.Context, asset domain.AssetClass) ([]string, error)
}

// SymbolStore resolves a symbol's asset class.
type SymbolStore interface {
	AssetClass(ctx context.Context, symbol string) (domain.AssetClass, error)
}

// SentimentSource scores recent news of a symbol.
type SentimentSource interface {
	SymbolSentiment(ctx context.Context, symbol string) (float64, error)
}

// CacheRecorder counts cache lookups.
type CacheRecorder interface {
	RecordCache(hit bool)
}

// Service answers prediction requests for stored symbols.
//
// A request resolves the symbol's asset class, recomputes the serving
// artifact's features over recent bars and asks the registry for a one-step
// return, compounded to the requested horizon. Results are cached per
// (symbol, horizon, family).
type Service struct {
	models    ModelServer
	bars      BarStore
	symbols   SymbolStore
	sentiment SentimentSource
	cache     Cache
	recorder  CacheRecorder
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a prediction service. sentiment may be nil.
func NewService(models ModelServer, bars BarStore, symbols SymbolStore, sentiment SentimentSource, cache Cache, timeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		models:    models,
		bars:      bars,
		symbols:   symbols,
		sentiment: sentiment,
		cache:     cache,
		timeout:   timeout,
		now:       time.Now,
		log:       log.With().Str("service", "prediction").Logger(),
	}
}

// SetRecorder sets the cache metrics recorder.
func (s *Service) SetRecorder(r CacheRecorder) {
	s.recorder = r
}

// Predict returns the prediction for one symbol within the latency budget.
// Running out of budget yields UpstreamUnavailableError, which the API
// reports as 503. A symbol without enough history for the model's features
// is a ValidationError.
func (s *Service) Predict(ctx context.Context, req Request) (*domain.Prediction, error) {
	if err := Normalize(&req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.predict(ctx, strings.ToUpper(req.Symbol), req.Horizon, req.Model)
	return p, budgetError(err)
}

// PredictBatch predicts every symbol. Failures are reported per item and do
// not fail the batch; only a request over MaxBatchSymbols or with an invalid
// horizon or model is rejected as a whole.
func (s *Service) PredictBatch(ctx context.Context, req BatchRequest) ([]BatchItem, error) {
	if len(req.Symbols) > MaxBatchSymbols {
		return nil, domain.NewValidationError("symbols", fmt.Sprintf("at most %d symbols per request", MaxBatchSymbols))
	}
	if err := Normalize(&req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	items := make([]BatchItem, len(req.Symbols))
	g := new(errgroup.Group)
	g.SetLimit(4)
	for i, symbol := range req.Symbols {
		i, symbol := i, strings.ToUpper(strings.TrimSpace(symbol))
		g.Go(func() error {
			items[i] = BatchItem{Symbol: symbol}
			if symbol == "" {
				items[i].Error = "symbol is required"
				return nil
			}
			p, err := s.predict(ctx, symbol, req.Horizon, req.Model)
			if err != nil {
				err = budgetError(&domain.TransientComputeError{Item: symbol, Err: err})
				s.log.Warn().Err(err).Str("symbol", symbol).Msg("Batch item failed")
				items[i].Error = itemError(err)
				return nil
			}
			items[i].Prediction = &p.Value
			items[i].Confidence = &p.Confidence
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

func (s *Service) predict(ctx context.Context, symbol, horizon, model string) (*domain.Prediction, error) {
	steps, ok := Horizons[horizon]
	if !ok {
		return nil, domain.NewValidationError("horizon", fmt.Sprintf("unknown horizon %q", horizon))
	}
	family, err := domain.ParseModelFamily(model)
	if err != nil {
		return nil, err
	}

	key := CacheKey(symbol, horizon, family)
	if p, ok := s.cache.Get(ctx, key); ok {
		s.recordCache(true)
		return &p, nil
	}
	s.recordCache(false)

	asset, err := s.symbols.AssetClass(ctx, symbol)
	if err != nil {
		return nil, err
	}
	modelKey := domain.NewModelKey(asset, family)
	art, ok := s.models.Artifact(modelKey)
	if !ok {
		return nil, &domain.ModelNotFoundError{Key: string(modelKey)}
	}

	rows, err := s.featureRows(ctx, art, symbol, window(art))
	if err != nil {
		return nil, err
	}
	res, err := s.models.Predict(ctx, registry.Request{AssetClass: asset, Family: family, Rows: rows})
	if err != nil {
		return nil, err
	}

	p := domain.Prediction{
		Timestamp:  s.now().UTC(),
		Symbol:     symbol,
		AssetClass: asset,
		ModelKey:   res.ModelKey,
		Version:    res.Version,
		Horizon:    horizon,
		Value:      Compound(res.Value, steps),
		Confidence: res.Confidence,
		Sentiment:  s.symbolSentiment(ctx, symbol),
	}
	s.cache.Set(ctx, key, p)
	return &p, nil
}

// featureRows computes the artifact's features over recent bars and returns the
// last n rows, oldest first.
func (s *Service) featureRows(ctx context.Context, art *artifacts.Artifact, symbol string, n int) ([]map[string]float64, error) {
	table, err := s.features(ctx, art, symbol, n)
	if err != nil {
		return nil, err
	}
	tail := table.Tail(symbol, n)
	rows := make([]map[string]float64, len(tail.Rows))
	for i := range tail.Rows {
		rows[i] = tail.RowMap(i)
	}
	if len(rows) < n || completeFrom(rows, art.Spec.Columns) > 0 {
		return nil, domain.NewValidationError("symbol",
			fmt.Sprintf("%s has too little history for model %s", symbol, art.Key))
	}
	return rows, nil
}

// completeFrom returns the first index from which every row defines every
// column, len(rows) when even the last row is incomplete. Warm-up rows omit
// the features that are still undefined.
func completeFrom(rows []map[string]float64, columns []string) int {
	for i := len(rows) - 1; i >= 0; i-- {
		for _, c := range columns {
			if _, ok := rows[i][c]; !ok {
				return i + 1
			}
		}
	}
	return 0
}

func (s *Service) features(ctx context.Context, art *artifacts.Artifact, symbol string, extra int) (*features.Table, error) {
	engine, err := features.NewEngine(art.Spec.Features)
	if err != nil {
		return nil, fmt.Errorf("artifact %s has an invalid feature config: %w", art.Key, err)
	}
	bars, err := s.bars.Latest(ctx, symbol, art.Spec.Features.MinHistory()+extra+historySlack)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, &domain.NotFoundError{Kind: "bars", Name: symbol}
	}
	return engine.Compute(bars)
}

func (s *Service) symbolSentiment(ctx context.Context, symbol string) float64 {
	if s.sentiment == nil {
		return 0
	}
	v, err := s.sentiment.SymbolSentiment(ctx, symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Sentiment unavailable")
		return 0
	}
	return v
}

func (s *Service) recordCache(hit bool) {
	if s.recorder != nil {
		s.recorder.RecordCache(hit)
	}
}

// Compound turns a one-step return into a return over steps.
func Compound(r float64, steps int) float64 {
	if steps <= 1 {
		return r
	}
	return math.Pow(1+r, float64(steps)) - 1
}

func window(a *artifacts.Artifact) int {
	if a.Family == domain.FamilySequence {
		return a.Spec.SequenceLength
	}
	return 1
}

// budgetError reports an exhausted latency budget as an unavailable service.
func budgetError(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &domain.UpstreamUnavailableError{Service: "prediction", Err: err}
	}
	return err
}

func itemError(err error) string {
	var ue *domain.UpstreamUnavailableError
	if errors.As(err, &ue) {
		return "Prediction service temporarily unavailable"
	}
	var tce *domain.TransientComputeError
	if errors.As(err, &tce) {
		return tce.Err.Error()
	}
	return err.Error()
}
