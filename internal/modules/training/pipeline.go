package training

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/features"
	"github.com/aristath/augur/internal/modules/models"
)

// Outcome is a trained and backtested candidate artifact, not yet promoted.
type Outcome struct {
	Key      domain.ModelKey
	Artifact *artifacts.Artifact
	Trained  *Trained
	Backtest backtest.Result
}

// Pipeline turns bars into candidate artifacts. The latest candidate per name is
// kept in memory until it is saved.
type Pipeline struct {
	engine     *features.Engine
	trainer    *Trainer
	backtester *backtest.Backtester
	store      *artifacts.Store
	driftBins  int

	mu      sync.Mutex
	trained map[string]*artifacts.Artifact

	log zerolog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(engine *features.Engine, trainer *Trainer, backtester *backtest.Backtester, store *artifacts.Store, driftBins int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		engine:     engine,
		trainer:    trainer,
		backtester: backtester,
		store:      store,
		driftBins:  driftBins,
		trained:    make(map[string]*artifacts.Artifact),
		log:        log.With().Str("component", "training_pipeline").Logger(),
	}
}

// Train builds features and targets for bars, fits family on the earlier part of the
// timeline and backtests it on the later part. The resulting artifact is held in
// memory under the model key.
func (p *Pipeline) Train(ctx context.Context, asset domain.AssetClass, family domain.ModelFamily, bars []domain.Bar) (*Outcome, error) {
	policy := p.trainer.Policy()
	key := domain.NewModelKey(asset, family)
	log := p.log.With().Str("model_key", string(key)).Logger()

	table, err := p.engine.Compute(bars)
	if err != nil {
		return nil, fmt.Errorf("failed to compute features: %w", err)
	}
	columns := p.engine.Columns()
	ex, err := dataset.AttachTargets(table, columns, policy.Horizon)
	if err != nil {
		return nil, err
	}
	if ex.Len() < policy.MinRows {
		return nil, domain.NewValidationError("examples",
			fmt.Sprintf("%d usable examples, need %d", ex.Len(), policy.MinRows))
	}
	train, test, err := dataset.TimeSplit(ex, policy.TestFraction)
	if err != nil {
		return nil, err
	}
	log.Info().Int("train", train.Len()).Int("test", test.Len()).Msg("Training candidate")

	trained, err := p.trainer.Train(ctx, family, train)
	if err != nil {
		return nil, err
	}

	held, err := heldOut(trained, train, test)
	if err != nil {
		return nil, err
	}
	results := p.backtester.Run(ctx, []backtest.Candidate{{
		Name:    string(key),
		Model:   trained.Model,
		Samples: held.scaled,
		Targets: held.targets,
	}})
	if results[0].Err != nil {
		return nil, fmt.Errorf("backtest failed: %w", results[0].Err)
	}

	payload, err := trained.Model.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}

	now := time.Now().UTC()
	samples := held.raw
	if n := policy.SampleInputs; len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	art := &artifacts.Artifact{
		FormatVersion: artifacts.FormatVersion,
		Key:           key,
		AssetClass:    asset,
		Family:        family,
		Version:       artifacts.NewVersion(now),
		CreatedAt:     now,
		Params:        trained.Params,
		Model:         payload,
		Spec: artifacts.FeatureSpec{
			Columns:        columns,
			Features:       p.engine.Config(),
			Scaler:         trained.Scaler,
			Horizon:        policy.Horizon,
			SequenceLength: trained.SequenceLength,
		},
		Reference:      drift.BuildReference(columns, train.Matrix(), p.driftBins),
		ValidationRMSE: trained.ValidationRMSE,
		TargetStd:      stat.StdDev(train.Targets(), nil),
		Backtest:       results[0].Metrics,
		SampleInputs:   samples,
	}

	p.mu.Lock()
	p.trained[string(key)] = art
	p.mu.Unlock()

	return &Outcome{Key: key, Artifact: art, Trained: trained, Backtest: results[0]}, nil
}

// Save persists the in-memory artifact called name. Only trained or
// remembered artifacts can be saved; anything else is a NotFoundError.
func (p *Pipeline) Save(ctx context.Context, name string) (*artifacts.Artifact, error) {
	p.mu.Lock()
	art, ok := p.trained[name]
	p.mu.Unlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "trained model", Name: name}
	}
	if err := p.store.Save(ctx, name, art); err != nil {
		return nil, err
	}
	return art, nil
}

// Remember holds art in memory under name so it can be saved later.
func (p *Pipeline) Remember(name string, art *artifacts.Artifact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trained[name] = art
}

// Load returns the artifact called name, preferring the unsaved in-memory
// copy over the store. It returns NotFoundError when neither has it.
func (p *Pipeline) Load(ctx context.Context, name string) (*artifacts.Artifact, error) {
	p.mu.Lock()
	art, ok := p.trained[name]
	p.mu.Unlock()
	if ok {
		return art, nil
	}
	return p.store.Load(ctx, name)
}

type heldOutSet struct {
	raw     []models.Sample // Unscaled model inputs
	scaled  []models.Sample
	targets []float64
}

// heldOut builds the test-period inputs for a trained model. Sequence windows end
// on a test row and reach back into training history.
func heldOut(t *Trained, train, test *dataset.Examples) (*heldOutSet, error) {
	out := &heldOutSet{}
	if t.Family != domain.FamilySequence {
		for _, it := range test.Items {
			out.raw = append(out.raw, models.Sample{Flat: it.Features})
			out.scaled = append(out.scaled, models.Sample{Flat: t.Scaler.Transform(it.Features)})
			out.targets = append(out.targets, it.Target)
		}
		return out, nil
	}

	inTest := make(map[string]bool, test.Len())
	for _, it := range test.Items {
		inTest[exampleKey(it)] = true
	}

	history := &dataset.Examples{Columns: train.Columns}
	history.Items = append(append(history.Items, train.Items...), test.Items...)
	groups := history.BySymbol()
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	L := t.SequenceLength
	for _, symbol := range symbols {
		g := groups[symbol]
		if g.Len() < L {
			continue
		}
		for end := L - 1; end < g.Len(); end++ {
			last := g.Items[end]
			if !inTest[exampleKey(last)] {
				continue
			}
			raw := make([][]float64, L)
			sc := make([][]float64, L)
			for i := 0; i < L; i++ {
				row := g.Items[end-L+1+i].Features
				raw[i] = row
				sc[i] = t.Scaler.Transform(row)
			}
			out.raw = append(out.raw, models.Sample{Seq: raw})
			out.scaled = append(out.scaled, models.Sample{Seq: sc})
			out.targets = append(out.targets, last.Target)
		}
	}
	if len(out.targets) == 0 {
		return nil, domain.NewValidationError("test", "no held-out window has enough history")
	}
	return out, nil
}

func exampleKey(e dataset.Example) string {
	return fmt.Sprintf("%s@%d", e.Symbol, e.Timestamp.UnixNano())
}
