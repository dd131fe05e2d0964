package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/training"
)

// AssetTrainer retrains every family of an asset class.
type AssetTrainer interface {
	TrainAssetClass(ctx context.Context, asset domain.AssetClass) (*training.Summary, error)
}

// Retrainer runs at most one retraining per asset class at a time. Concurrent
// requests for the same asset class share the running one.
type Retrainer struct {
	trainer AssetTrainer
	timeout time.Duration
	group   singleflight.Group

	mu         sync.Mutex
	running    map[domain.AssetClass]bool
	onPromoted func(domain.ModelKey)
	wg         sync.WaitGroup

	log zerolog.Logger
}

// NewRetrainer creates a retrainer. Each retraining is bounded by timeout.
func NewRetrainer(trainer AssetTrainer, timeout time.Duration, log zerolog.Logger) *Retrainer {
	return &Retrainer{
		trainer: trainer,
		timeout: timeout,
		running: make(map[domain.AssetClass]bool),
		log:     log.With().Str("component", "retrainer").Logger(),
	}
}

// OnPromoted sets a callback run for every key promoted by a retraining.
func (r *Retrainer) OnPromoted(fn func(domain.ModelKey)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPromoted = fn
}

// Retrain trains asset and waits for the result.
func (r *Retrainer) Retrain(ctx context.Context, asset domain.AssetClass) (*training.Summary, error) {
	v, err, shared := r.group.Do(string(asset), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		r.log.Info().Str("asset_class", string(asset)).Msg("Retraining started")
		summary, err := r.trainer.TrainAssetClass(ctx, asset)
		if err != nil {
			return nil, err
		}
		r.promoted(summary)
		return summary, nil
	})
	if shared {
		r.log.Debug().Str("asset_class", string(asset)).Msg("Joined running retraining")
	}
	if err != nil {
		return nil, err
	}
	return v.(*training.Summary), nil
}

// Trigger starts a background retraining unless one is already running for
// asset, and reports whether it started one. The retraining runs detached from
// the caller's context and is bounded only by the retrainer timeout.
func (r *Retrainer) Trigger(asset domain.AssetClass) bool {
	r.mu.Lock()
	if r.running[asset] {
		r.mu.Unlock()
		return false
	}
	r.running[asset] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, asset)
			r.mu.Unlock()
		}()
		if _, err := r.Retrain(context.Background(), asset); err != nil {
			r.log.Error().Err(err).Str("asset_class", string(asset)).Msg("Retraining failed")
		}
	}()
	return true
}

// Running reports whether a background retraining for asset is in progress.
func (r *Retrainer) Running(asset domain.AssetClass) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[asset]
}

// Wait blocks until background retrainings finish.
func (r *Retrainer) Wait() {
	r.wg.Wait()
}

func (r *Retrainer) promoted(summary *training.Summary) {
	r.mu.Lock()
	fn := r.onPromoted
	r.mu.Unlock()
	for _, res := range summary.Results {
		if res.Status != training.RunPromoted {
			continue
		}
		r.log.Info().Str("model_key", string(res.Key)).Str("version", res.Version).Msg("Retrained model promoted")
		if fn != nil {
			fn(res.Key)
		}
	}
}
